package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	StreamName    = "SWARM"
	subjectPrefix = "swarm"
)

// Envelope is the wire form of an event on NATS.
type Envelope struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data"`
}

func Subject(sessionID string, t Type) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, sessionID, t)
}

func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:      e.EventType(),
		SessionID: e.Session(),
		At:        time.Now().UTC(),
		Data:      data,
	})
}

// NATSPublisher publishes events to the SWARM JetStream stream under
// swarm.<session>.<type>.
type NATSPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func ConnectNATS(ctx context.Context, url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("swebench-swarm"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subjectPrefix + ".>"},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", StreamName)
	return &NATSPublisher{nc: nc, js: js}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := Encode(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	subject := Subject(e.Session(), e.EventType())
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe consumes events matching subject (wildcards allowed) until the
// returned stop function is called.
func (p *NATSPublisher) Subscribe(ctx context.Context, subject string, handler func(Envelope) error) (func(), error) {
	consumer, err := p.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			slog.Error("malformed event", "subject", msg.Subject(), "error", err)
			if termErr := msg.Term(); termErr != nil {
				slog.Error("nats term failed", "error", termErr)
			}
			return
		}
		if err := handler(env); err != nil {
			slog.Error("event handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

func (p *NATSPublisher) Close() error {
	p.nc.Close()
	return nil
}
