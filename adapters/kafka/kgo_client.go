package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

// Concrete franz-go based constructor, writer and reader.

type Config struct {
	Brokers  []string
	TLS      *tls.Config
	ClientID string
	// Acks is "all" (default), "leader" or "none".
	Acks string
	// AutoCreateTopics lets consumers create missing topics.
	AutoCreateTopics bool
}

func (c Config) options() ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}

	if c.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(c.TLS))
	}

	if c.AutoCreateTopics {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	switch strings.ToLower(c.Acks) {
	case "", "all":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case "leader":
		// idempotent writes require acks from all in-sync replicas
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "none":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("%w: unknown kafka acks %q", berr.ErrPublishFailed, c.Acks)
	}

	return opts, nil
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

// kgoReader starts one consuming client per topic so every bus node sees every record.
type kgoReader struct {
	opts   []kgo.Opt
	logger *slog.Logger
}

func (r kgoReader) Read(_ context.Context, topic string, handle func(Record)) (func() error, error) {
	opts := append([]kgo.Opt{}, r.opts...)
	opts = append(opts,
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		for {
			fetches := cl.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}

			fetches.EachError(func(t string, p int32, err error) {
				r.logger.Warn("kafka fetch failed", "topic", t, "partition", p, "err", err)
			})

			fetches.EachRecord(func(rec *kgo.Record) {
				var headers map[string]string
				if len(rec.Headers) > 0 {
					headers = make(map[string]string, len(rec.Headers))
					for _, h := range rec.Headers {
						headers[h.Key] = string(h.Value)
					}
				}

				handle(Record{Topic: rec.Topic, Key: rec.Key, Value: rec.Value, Headers: headers})
			})
		}
	}()

	return func() error {
		cancel()
		cl.Close()

		return nil
	}, nil
}

// NewWithKgo builds a franz-go client based Broker. The returned cleanup should be called to close the client.
func NewWithKgo(cfg Config, opts ...Option) (*Broker, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrPublishFailed)
	}

	kopts, err := cfg.options()
	if err != nil {
		return nil, nil, err
	}

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrPublishFailed, err)
	}

	var once sync.Once

	cleanup := func() { once.Do(cl.Close) }

	b := New(kgoWriter{cl: cl}, nil, opts...)
	b.Reader = kgoReader{opts: kopts, logger: b.logger}
	b.closer = func() error {
		cleanup()
		return nil
	}

	return b, cleanup, nil
}
