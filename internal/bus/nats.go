package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

type Publisher struct {
	Conn   *nats.Conn
	Logger *slog.Logger
}

func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn, Logger: logger}, nil
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

// Publish is fire-and-forget: a failed publish is logged and swallowed so
// detection paths never fail on the event sink.
func (p *Publisher) Publish(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.Logger.Error("failed to encode event", slog.String("event", eventType), slog.String("error", err.Error()))
		return
	}
	if err := p.Conn.Publish(eventType, data); err != nil {
		p.Logger.Error("failed to publish event", slog.String("event", eventType), slog.String("error", err.Error()))
	}
}

type Subscriber struct {
	Conn *nats.Conn
}

type ConfigEvent struct {
	OrgID        string `json:"org_id"`
	ConnectionID string `json:"connection_id"`
}

func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Subscriber{Conn: conn}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		s.Conn.Drain()
		s.Conn.Close()
	}
}

func (s *Subscriber) Subscribe(subject string, handler func(ConfigEvent)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		var evt ConfigEvent
		_ = json.Unmarshal(msg.Data, &evt)
		handler(evt)
	})
}
