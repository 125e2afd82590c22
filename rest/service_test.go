package rest_test

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/rest"
	"github.com/next-trace/scg-message-bus/servicebus"
	"github.com/next-trace/scg-message-bus/store"
)

func upstream(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /users/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1,"name":"ada","trace":"` + r.Header.Get("X-Trace") + `"}`))
	})

	mux.HandleFunc("PATCH /users/1", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(r.Header.Get("Content-Type") + " " + string(body)))
	})

	mux.HandleFunc("GET /broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"errorMessage":"{\"reason\":\"kettle\"}","errorCode":4180}`))
	})

	mux.HandleFunc("GET /plain-error", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func startService(t *testing.T, opts ...rest.Option) *servicebus.Bus {
	t.Helper()

	b := servicebus.New()
	t.Cleanup(func() { _ = b.Close() })

	svc := rest.NewService(b, opts...)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}

	t.Cleanup(func() { _ = svc.Stop() })

	return b
}

func restError(t *testing.T, err error) rest.Error {
	t.Helper()

	var re *servicebus.ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("want error response, got %v", err)
	}

	e, derr := cbus.DecodePayload[rest.Error](re.Response)
	if derr != nil {
		t.Fatalf("decode error payload: %v", derr)
	}

	return e
}

func TestService_GetDecodesJSON(t *testing.T) {
	srv := upstream(t)
	b := startService(t)

	m, err := b.Ask(t.Context(), rest.ServiceChannel,
		rest.Request{URI: srv.URL + "/users/1"},
		servicebus.WithRequestHeaders(map[string]string{"X-Trace": "t-1"}),
	)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	user, ok := m.Payload.(map[string]any)
	if !ok || user["name"] != "ada" || user["id"] != 1.0 || user["trace"] != "t-1" {
		t.Fatalf("unexpected payload: %#v", m.Payload)
	}
}

func TestService_PatchSendsMergePatchBody(t *testing.T) {
	srv := upstream(t)
	b := startService(t)

	m, err := b.Ask(t.Context(), rest.ServiceChannel, rest.Request{
		URI:    srv.URL + "/users/1",
		Method: "patch",
		Body:   map[string]string{"name": "grace"},
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if m.Payload != `application/merge-patch+json {"name":"grace"}` {
		t.Fatalf("unexpected echo: %v", m.Payload)
	}
}

func TestService_UpstreamErrors(t *testing.T) {
	srv := upstream(t)
	b := startService(t)
	ctx := t.Context()

	_, err := b.Ask(ctx, rest.ServiceChannel, rest.Request{URI: srv.URL + "/broken"})
	if !errors.Is(err, berr.ErrErrorResponse) {
		t.Fatalf("want error response, got %v", err)
	}

	e := restError(t, err)
	if e.Code != 4180 {
		t.Fatalf("want upstream error code, got %+v", e)
	}

	if obj, ok := e.Object.(map[string]any); !ok || obj["reason"] != "kettle" {
		t.Fatalf("want parsed error object, got %#v", e.Object)
	}

	_, err = b.Ask(ctx, rest.ServiceChannel, rest.Request{URI: srv.URL + "/plain-error"})
	if e := restError(t, err); e.Code != http.StatusNotFound || e.Object != "nope\n" {
		t.Fatalf("want plain 404, got %+v", e)
	}

	_, err = b.Ask(ctx, rest.ServiceChannel, rest.Request{URI: srv.URL + "/users/1", Method: "TRACE"})
	if e := restError(t, err); e.Code != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %+v", e)
	}

	_, err = b.Ask(ctx, rest.ServiceChannel, rest.Request{URI: "not a uri"})
	if e := restError(t, err); e.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %+v", e)
	}

	_, err = b.Ask(ctx, rest.ServiceChannel, "just text")
	if e := restError(t, err); e.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for undecodable request, got %+v", e)
	}
}

func TestService_BaseHostOverride(t *testing.T) {
	srv := upstream(t)

	u, _ := url.Parse(srv.URL)
	host, port, _ := net.SplitHostPort(u.Host)

	b := servicebus.New()
	t.Cleanup(func() { _ = b.Close() })

	hosts, err := store.NewManager(b).CreateStore(rest.HostConfigStore)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	ctx := t.Context()
	_ = hosts.Put(ctx, rest.BaseHostKey, host, store.StateUpdated)
	_ = hosts.Put(ctx, rest.BasePortKey, port, store.StateUpdated)

	svc := rest.NewService(b, rest.WithHostConfig(hosts))

	// the configured host wins over the one in the request
	got, err := svc.Do(ctx, rest.Request{URI: "http://example.invalid:1/users/1"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}

	raw, _ := json.Marshal(got)
	if string(raw) != `{"id":1,"name":"ada","trace":""}` {
		t.Fatalf("unexpected body: %s", raw)
	}
}
