package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jelmore/jelmore/internal/types"
)

// NATSTransport is the JetStream-backed Transport. It owns two streams: the
// main event stream covering "<prefix>.session.>" and a dead-letter stream
// covering "<prefix>.dlq.>". Duplicate suppression uses the Nats-Msg-Id
// header within the stream's duplicates window.
type NATSTransport struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// NATSConfig holds the transport's connection and stream settings.
type NATSConfig struct {
	URL           string
	StreamPrefix  string
	MaxAge        time.Duration
	MaxMsgs       int64
	DedupWindow   time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns settings for a local server: seven days of
// retention, 100k messages, a two minute duplicates window.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamPrefix:  "jelmore",
		MaxAge:        7 * 24 * time.Hour,
		MaxMsgs:       100_000,
		DedupWindow:   2 * time.Minute,
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
	}
}

// NewNATSTransport connects to the server and ensures both streams exist.
// The main and dead-letter streams use disjoint subject spaces so neither
// shadows the other.
func NewNATSTransport(ctx context.Context, cfg NATSConfig) (*NATSTransport, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	t := &NATSTransport{nc: nc, js: js, prefix: cfg.StreamPrefix}

	streams := []jetstream.StreamConfig{
		{
			Name:       t.streamName(""),
			Subjects:   []string{cfg.StreamPrefix + ".session.>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     cfg.MaxAge,
			MaxMsgs:    cfg.MaxMsgs,
			Duplicates: cfg.DedupWindow,
			Discard:    jetstream.DiscardOld,
		},
		{
			Name:       t.streamName("DLQ"),
			Subjects:   []string{cfg.StreamPrefix + "." + dlqToken + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     cfg.MaxAge,
			MaxMsgs:    cfg.MaxMsgs,
			Duplicates: cfg.DedupWindow,
			Discard:    jetstream.DiscardOld,
		},
	}
	for _, sc := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", sc.Name, err)
		}
	}
	return t, nil
}

func (t *NATSTransport) streamName(suffix string) string {
	name := strings.ToUpper(t.prefix)
	if suffix != "" {
		name += "_" + suffix
	}
	return name
}

// streamFor routes a subject to the stream that retains it.
func (t *NATSTransport) streamFor(subject string) string {
	if strings.HasPrefix(subject, t.prefix+"."+dlqToken+".") {
		return t.streamName("DLQ")
	}
	return t.streamName("")
}

// Publish writes one message to JetStream, carrying the headers verbatim.
// The server deduplicates on HeaderMsgID within the duplicates window.
func (t *NATSTransport) Publish(ctx context.Context, subject string, data []byte, header map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	for k, v := range header {
		msg.Header.Set(k, v)
	}
	if _, err := t.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe creates (or joins) a durable consumer on the main stream and
// pushes matching messages to the handler. A non-empty group shares the
// consumer across members; an empty group gets an ephemeral consumer.
// Handler errors Nak the message for redelivery, up to the consumer's
// MaxDeliver.
func (t *NATSTransport) Subscribe(ctx context.Context, subjects []string, group string, handler types.MessageHandler) (func() error, error) {
	cfg := jetstream.ConsumerConfig{
		FilterSubjects: subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		MaxDeliver:     3,
	}
	if group != "" {
		cfg.Durable = sanitizeConsumerName(group)
	}

	cons, err := t.js.CreateOrUpdateConsumer(ctx, t.streamFor(subjects[0]), cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	cctx, err := cons.Consume(func(msg jetstream.Msg) {
		m := types.Message{
			Subject: msg.Subject(),
			Data:    msg.Data(),
			Header:  flattenHeader(msg.Headers()),
		}
		if err := handler(m); err != nil {
			slog.Warn("handler failed, requesting redelivery",
				"subject", msg.Subject(), "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}

	return func() error {
		cctx.Stop()
		return nil
	}, nil
}

// Replay fetches retained messages in [from, to] using an ordered consumer
// starting at the range's lower bound. It reads until the stream is drained
// or a message past the upper bound appears.
func (t *NATSTransport) Replay(ctx context.Context, subjects []string, from, to time.Time) ([]types.Message, error) {
	cons, err := t.js.OrderedConsumer(ctx, t.streamFor(subjects[0]), jetstream.OrderedConsumerConfig{
		FilterSubjects: subjects,
		DeliverPolicy:  jetstream.DeliverByStartTimePolicy,
		OptStartTime:   &from,
	})
	if err != nil {
		return nil, fmt.Errorf("create replay consumer: %w", err)
	}

	var out []types.Message
	for {
		batch, err := cons.Fetch(100, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return nil, fmt.Errorf("fetch replay batch: %w", err)
		}
		n := 0
		for msg := range batch.Messages() {
			n++
			meta, err := msg.Metadata()
			if err == nil && !to.IsZero() && meta.Timestamp.After(to) {
				return out, nil
			}
			out = append(out, types.Message{
				Subject: msg.Subject(),
				Data:    msg.Data(),
				Header:  flattenHeader(msg.Headers()),
			})
		}
		if err := batch.Error(); err != nil {
			return nil, fmt.Errorf("replay batch: %w", err)
		}
		if n == 0 {
			return out, nil
		}
	}
}

// Close drains the connection, flushing buffered publishes.
func (t *NATSTransport) Close() error {
	return t.nc.Drain()
}

// sanitizeConsumerName maps a group name to a valid durable name. JetStream
// forbids dots in consumer names.
func sanitizeConsumerName(group string) string {
	return strings.ReplaceAll(group, ".", "_")
}

func flattenHeader(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
