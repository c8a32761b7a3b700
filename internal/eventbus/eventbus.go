// Package eventbus implements the pub/sub transport of spec.md §4.7 on top
// of NATS: one subject per channel (events.{channel}) carrying
// stream_switch, stop_channel, owner_heartbeat and client_count_changed
// events. The URL-switch steps built on it live in internal/stream's Core.
//
// Grounded directly on go-server/pkg/nats/client.go: the same
// wrap-the-connection-with-handlers shape and a Subscribe/Publish surface
// (plus SubscribeAll). The Subjects builder is renamed to channel-scoped
// topics instead of token-price subjects.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred/iptv-proxy/internal/model"
)

// Config configures the NATS connection backing the event bus.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// Bus wraps a NATS connection and exposes the channel-event operations the
// rest of the proxy needs.
type Bus struct {
	conn      *nats.Conn
	logger    *zerolog.Logger
	subsMu    sync.RWMutex
	subs      map[string]*nats.Subscription
}

// NewBus connects to NATS and returns a ready Bus.
func NewBus(cfg Config, logger *zerolog.Logger) (*Bus, error) {
	b := &Bus{
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to nats")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("disconnected from nats")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	b.conn = conn

	return b, nil
}

// Topic returns the NATS subject for a channel's event stream.
func Topic(channelID string) string {
	return fmt.Sprintf("events.%s", channelID)
}

// Publish serializes and publishes an event on its channel's topic.
func (b *Bus) Publish(event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	if err := b.conn.Publish(Topic(event.ChannelID), data); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", event.ChannelID, err)
	}
	return nil
}

// Subscribe registers handler for every event published on channelID's
// topic, until Unsubscribe(channelID) is called.
func (b *Bus) Subscribe(channelID string, handler func(model.Event)) error {
	topic := Topic(channelID)

	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn().Err(err).Str("channel", channelID).Msg("eventbus: failed to decode event")
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("eventbus: subscribe %s: %w", channelID, err)
	}

	b.subsMu.Lock()
	b.subs[topic] = sub
	b.subsMu.Unlock()

	return nil
}

// adminTopic is the wildcard NATS subject matching every channel's event
// topic, for the admin feed's cross-channel fanout.
const adminTopic = "events.*"

// SubscribeAll registers handler for every event published on any channel's
// topic, for the admin dashboard feed.
func (b *Bus) SubscribeAll(handler func(model.Event)) error {
	sub, err := b.conn.Subscribe(adminTopic, func(msg *nats.Msg) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn().Err(err).Msg("eventbus: failed to decode event on admin subscription")
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("eventbus: subscribe all: %w", err)
	}

	b.subsMu.Lock()
	b.subs[adminTopic] = sub
	b.subsMu.Unlock()
	return nil
}

// Unsubscribe stops delivering events for channelID.
func (b *Bus) Unsubscribe(channelID string) error {
	topic := Topic(channelID)

	b.subsMu.Lock()
	sub, ok := b.subs[topic]
	if ok {
		delete(b.subs, topic)
	}
	b.subsMu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("eventbus: unsubscribe %s: %w", channelID, err)
	}
	return nil
}

// Close unsubscribes everything and closes the underlying connection.
func (b *Bus) Close() error {
	b.subsMu.Lock()
	for topic, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("eventbus: unsubscribe on close failed")
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.subsMu.Unlock()

	b.conn.Close()
	return nil
}
