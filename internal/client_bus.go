package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"nerdhub/internal/presence"
)

// BusMessage is what caches on the same device exchange.
type BusMessage struct {
	Origin   string            `json:"origin"`
	Snapshot presence.Snapshot `json:"snapshot"`
}

// Bus carries presence updates between clients on one device.
type Bus interface {
	Publish(ctx context.Context, msg BusMessage) error
	Subscribe(handler func(BusMessage)) (func(), error)
	Close() error
}

// MemoryBus delivers synchronously to every subscriber in this process.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[int]func(BusMessage)
	next     int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]func(BusMessage))}
}

func (b *MemoryBus) Publish(_ context.Context, msg BusMessage) error {
	b.mu.RLock()
	handlers := make([]func(BusMessage), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(handler func(BusMessage)) (func(), error) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

func (b *MemoryBus) Close() error { return nil }

const DefaultBusTopic = "nerdhub/presence"

// MQTTBus shares updates through a broker on the local machine, so separate
// processes (a CLI watcher and a simulator, say) see each other's view.
type MQTTBus struct {
	client mqtt.Client
	topic  string
	logger *zap.Logger
}

func NewMQTTBus(broker, topic string, logger *zap.Logger) (*MQTTBus, error) {
	if topic == "" {
		topic = DefaultBusTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("nerdhub-" + ksuid.New().String()).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	return &MQTTBus{client: client, topic: topic, logger: logger}, nil
}

func (b *MQTTBus) Publish(ctx context.Context, msg BusMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	token := b.client.Publish(b.topic, 0, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", b.topic, token.Error())
	}
	return nil
}

func (b *MQTTBus) Subscribe(handler func(BusMessage)) (func(), error) {
	token := b.client.Subscribe(b.topic, 0, func(_ mqtt.Client, m mqtt.Message) {
		var msg BusMessage
		if err := json.Unmarshal(m.Payload(), &msg); err != nil {
			b.logger.Debug("dropping malformed bus message", zap.Error(err))
			return
		}
		handler(msg)
	})
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", b.topic, token.Error())
	}
	return func() {
		b.client.Unsubscribe(b.topic).Wait()
	}, nil
}

func (b *MQTTBus) Close() error {
	b.client.Disconnect(250)
	return nil
}
