package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	Token         string
	User          string
	Password      string
	ConnTimeout   time.Duration
	ReconnectWait time.Duration
	// MaxReconnects of -1 retries forever; zero keeps the client default.
	MaxReconnects int
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Publish(subject string, data []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: data}

	var h nats.Header
	if len(headers) > 0 {
		h = nats.Header{}
		for k, v := range headers {
			h.Add(k, v)
		}
	}

	msg.Header = h

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c natsClient) Subscribe(
	subject, queue string,
	handle func(data []byte, headers map[string]string),
) (func() error, error) {
	cb := func(m *nats.Msg) {
		var headers map[string]string
		if len(m.Header) > 0 {
			headers = make(map[string]string, len(m.Header))
			for k := range m.Header {
				headers[k] = m.Header.Get(k)
			}
		}

		handle(m.Data, headers)
	}

	var (
		sub *nats.Subscription
		err error
	)

	if queue != "" {
		sub, err = c.nc.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = c.nc.Subscribe(subject, cb)
	}

	if err != nil {
		return nil, err
	}

	return sub.Unsubscribe, nil
}

func (c natsClient) Close() error {
	if c.nc == nil || c.nc.IsClosed() {
		return nil
	}

	err := c.nc.Drain()
	c.nc.Close()

	return err
}

func buildOptions(cfg Config) []nats.Option {
	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// NewWithNATS creates a real NATS connection and returns a Broker and a cleanup.
func NewWithNATS(cfg Config, opts ...Option) (*Broker, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrPublishFailed)
	}

	nc, err := nats.Connect(cfg.URL, buildOptions(cfg)...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect: %w", berr.ErrPublishFailed, err)
	}

	client := natsClient{nc: nc}
	br := New(client, opts...)
	cleanup := func() {
		_ = client.Close() //nolint:errcheck // best-effort shutdown; cannot return error here
	}

	return br, cleanup, nil
}
