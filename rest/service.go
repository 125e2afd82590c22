// Package rest answers bus requests by performing HTTP calls. A request on
// ServiceChannel describes the call; the decoded response body is the reply and
// failures come back as error replies carrying an Error.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/servicebus"
	"github.com/next-trace/scg-message-bus/store"
)

const (
	// ServiceChannel is where REST requests are answered.
	ServiceChannel = "services::RestService"

	// HostConfigStore holds BaseHostKey and BasePortKey. When a base host is set,
	// every call is redirected to it.
	HostConfigStore = "restServiceHostConfig"
	BaseHostKey     = "baseHost"
	BasePortKey     = "basePort"

	DefaultTimeout = 30 * time.Second

	serviceName  = "rest-service"
	maxBodyBytes = 10 << 20
)

// Request describes one HTTP call.
type Request struct {
	URI     string            `json:"uri"`
	Method  string            `json:"method,omitempty"`
	Body    any               `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Error is the payload of error replies.
type Error struct {
	Message string `json:"message"`
	Code    int    `json:"errorCode"`
	Object  any    `json:"errorObject,omitempty"`
}

func (e *Error) Error() string     { return fmt.Sprintf("rest %d: %s", e.Code, e.Message) }
func (e *Error) ReplyPayload() any { return *e }

var _ cbus.PayloadError = (*Error)(nil)

// Service performs REST calls on behalf of bus clients.
type Service struct {
	bus    *servicebus.Bus
	client *http.Client
	hosts  *store.Store
	logger *slog.Logger

	mu  sync.Mutex
	sub *servicebus.Subscription
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.client = c
		}
	}
}

// WithHostConfig reads base host overrides from st, normally the HostConfigStore.
func WithHostConfig(st *store.Store) Option {
	return func(s *Service) { s.hosts = st }
}

func NewService(b *servicebus.Bus, opts ...Option) *Service {
	s := &Service{
		bus:    b,
		client: &http.Client{Timeout: DefaultTimeout},
		logger: slog.Default(),
	}

	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}

	return s
}

// Start begins answering requests. Calling it twice is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return nil
	}

	sub, err := s.bus.RespondStream(ServiceChannel, s.handle, servicebus.WithResponder(serviceName))
	if err != nil {
		return fmt.Errorf("rest start: %w", err)
	}

	s.sub = sub
	s.logger.Info("rest service online", "channel", ServiceChannel)

	return nil
}

func (s *Service) Stop() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}

	return sub.Unsubscribe()
}

func (s *Service) handle(ctx context.Context, m cbus.Message) (any, error) {
	req, err := cbus.DecodePayload[Request](m)
	if err != nil {
		return nil, &Error{Message: "invalid rest request: " + err.Error(), Code: http.StatusBadRequest}
	}

	// message headers apply unless the request sets its own
	if len(m.Headers) > 0 {
		merged := make(map[string]string, len(m.Headers)+len(req.Headers))
		for k, v := range m.Headers {
			merged[k] = v
		}
		for k, v := range req.Headers {
			merged[k] = v
		}
		req.Headers = merged
	}

	return s.Do(ctx, req)
}

// Do performs req and returns the decoded JSON body, or the raw text when the body
// is not JSON. Transport failures and non-2xx statuses return an *Error.
func (s *Service) Do(ctx context.Context, req Request) (any, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, &Error{Message: "unsupported method " + method, Code: http.StatusMethodNotAllowed}
	}

	target, err := s.resolve(req.URI)
	if err != nil {
		return nil, &Error{Message: "invalid uri " + req.URI, Code: http.StatusBadRequest}
	}

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, &Error{Message: "encode body: " + err.Error(), Code: http.StatusBadRequest}
		}

		body = bytes.NewReader(raw)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &Error{Message: "build request: " + err.Error(), Code: http.StatusInternalServerError}
	}

	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	if body != nil && hreq.Header.Get("Content-Type") == "" {
		if method == http.MethodPatch {
			hreq.Header.Set("Content-Type", "application/merge-patch+json")
		} else {
			hreq.Header.Set("Content-Type", "application/json")
		}
	}

	s.logger.Debug("rest call", "method", method, "uri", target)

	resp, err := s.client.Do(hreq)
	if err != nil {
		s.logger.Warn("rest call failed", "method", method, "uri", target, "err", err)
		return nil, &Error{Message: "unable to complete request: " + target, Code: http.StatusInternalServerError}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Message: "read response: " + err.Error(), Code: http.StatusBadGateway}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		e := upstreamError(resp.StatusCode, raw)
		s.logger.Warn("rest call rejected", "method", method, "uri", target, "status", resp.StatusCode)

		return nil, e
	}

	return decodeBody(raw), nil
}

// resolve applies the base host and port overrides from the host store.
func (s *Service) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("rest: bad uri %q", raw)
	}

	if s.hosts == nil {
		return u.String(), nil
	}

	host := storeString(s.hosts, BaseHostKey)
	if host == "" {
		return u.String(), nil
	}

	port := u.Port()
	if p := storeString(s.hosts, BasePortKey); p != "" {
		port = p
	}

	u.Host = host
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	}

	return u.String(), nil
}

func storeString(st *store.Store, key string) string {
	v, ok := st.Get(key)
	if !ok || v == nil {
		return ""
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}

// upstreamError prefers the errorMessage and errorCode of a bus style error body and
// falls back to the raw body and HTTP status.
func upstreamError(status int, raw []byte) *Error {
	msg, code := string(raw), status

	var shaped struct {
		ErrorMessage string `json:"errorMessage"`
		ErrorCode    int    `json:"errorCode"`
	}
	if json.Unmarshal(raw, &shaped) == nil && shaped.ErrorMessage != "" {
		msg = shaped.ErrorMessage
		if shaped.ErrorCode != 0 {
			code = shaped.ErrorCode
		}
	}

	var obj any = msg
	var parsed map[string]any
	if json.Unmarshal([]byte(msg), &parsed) == nil {
		obj = parsed
	}

	return &Error{Message: "unable to complete request: " + msg, Code: code, Object: obj}
}

func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var v any
	if json.Unmarshal(raw, &v) == nil {
		return v
	}

	return string(raw)
}
