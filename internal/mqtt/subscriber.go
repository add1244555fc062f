// Package mqtt mirrors entity mutations published by the document store onto
// the relance snapshot store.
//
// Messages are published on <prefix>/<entityType>/<entityID> with a JSON body:
//
//	{"data": {...}, "origin": "application"}
//	{"deleted": true}
//
// An empty body also deletes the entity.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/tourcraft/relances/internal/conf"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
	"github.com/tourcraft/relances/internal/relance"
)

const (
	defaultTopicPrefix = "relances/entities"
	connectTimeout     = 10 * time.Second
	handleTimeout      = 30 * time.Second
	disconnectQuiesce  = 250 // milliseconds
)

// SnapshotWriter receives decoded mutations.
type SnapshotWriter interface {
	Apply(ctx context.Context, entityType, entityID string, data map[string]any, origin string) error
	Delete(ctx context.Context, entityType, entityID, origin string) error
}

// Message is the body of an entity mutation.
type Message struct {
	Data    map[string]any `json:"data"`
	Deleted bool           `json:"deleted"`
	Origin  string         `json:"origin"`
}

// Subscriber consumes entity mutations from an MQTT broker.
type Subscriber struct {
	cfg   conf.MQTT
	store SnapshotWriter
	log   logger.Logger

	mu     sync.Mutex
	client paho.Client
}

// NewSubscriber validates cfg and returns a disconnected subscriber.
func NewSubscriber(cfg conf.MQTT, store SnapshotWriter, log logger.Logger) (*Subscriber, error) {
	if cfg.Broker == "" {
		return nil, errors.Newf(errors.CategoryConfiguration, "mqtt broker is required")
	}
	if cfg.QoS > 2 {
		return nil, errors.Newf(errors.CategoryConfiguration, "invalid mqtt qos %d", cfg.QoS)
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "relances"
	}
	return &Subscriber{cfg: cfg, store: store, log: log.Named("mqtt")}, nil
}

// Topic returns the subscription filter.
func (s *Subscriber) Topic() string {
	return s.cfg.TopicPrefix + "/+/+"
}

// Connect connects to the broker and subscribes. The subscription is
// restored on every automatic reconnect.
func (s *Subscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.client.IsConnected() {
		return nil
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.log.Warn("mqtt connection lost", logger.Error(err))
	})

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return errors.Wrap(err, errors.CategoryTransient, "failed to connect to mqtt broker")
	}
	s.client = client
	s.log.Info("mqtt subscriber connected",
		logger.String("broker", s.cfg.Broker),
		logger.String("topic", s.Topic()))
	return nil
}

func (s *Subscriber) onConnect(client paho.Client) {
	token := client.Subscribe(s.Topic(), s.cfg.QoS, s.onMessage)
	if !token.WaitTimeout(connectTimeout) {
		s.log.Error("mqtt subscribe timed out", logger.String("topic", s.Topic()))
		return
	}
	if err := token.Error(); err != nil {
		s.log.Error("mqtt subscribe failed", logger.String("topic", s.Topic()), logger.Error(err))
	}
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := s.HandleMessage(ctx, msg.Topic(), msg.Payload()); err != nil {
		s.log.Warn("failed to apply entity mutation",
			logger.String("topic", msg.Topic()),
			logger.Error(err))
	}
}

// IsConnected reports whether the broker connection is up.
func (s *Subscriber) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

// Disconnect closes the broker connection.
func (s *Subscriber) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return
	}
	s.client.Disconnect(disconnectQuiesce)
	s.client = nil
}

// HandleMessage decodes one message and applies it to the snapshot store.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	entityType, entityID, err := ParseTopic(s.cfg.TopicPrefix, topic)
	if err != nil {
		return err
	}

	var msg Message
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &msg); err != nil {
			return errors.Newf(errors.CategoryValidation, "invalid mutation payload on %s: %w", topic, err)
		}
	} else {
		msg.Deleted = true
	}
	msg.Origin = s.externalOrigin(topic, msg.Origin)

	if msg.Deleted {
		return s.store.Delete(ctx, entityType, entityID, msg.Origin)
	}
	if msg.Data == nil {
		return errors.Newf(errors.CategoryValidation, "mutation on %s carries no data", topic)
	}
	return s.store.Apply(ctx, entityType, entityID, msg.Data, msg.Origin)
}

// externalOrigin maps the origin claimed by a publisher onto one the engine
// accepts from outside the process. Engine and sweep origins are reserved for
// in-process writes and are downgraded to application.
func (s *Subscriber) externalOrigin(topic, origin string) string {
	switch origin {
	case "":
		return relance.OriginApplication
	case relance.OriginEngine, relance.OriginSweep:
		s.log.Warn("mqtt message claims a reserved origin",
			logger.String("topic", topic),
			logger.String("origin", origin))
		return relance.OriginApplication
	default:
		return origin
	}
}

// ParseTopic extracts the entity from <prefix>/<entityType>/<entityID>.
func ParseTopic(prefix, topic string) (entityType, entityID string, err error) {
	rest, ok := strings.CutPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if !ok {
		return "", "", errors.Newf(errors.CategoryValidation, "topic %q is outside %q", topic, prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Newf(errors.CategoryValidation, "topic %q does not name an entity", topic)
	}
	return parts[0], parts[1], nil
}

// EntityTopic builds the topic an entity's mutations are published on.
func EntityTopic(prefix, entityType, entityID string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(prefix, "/"), entityType, entityID)
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
