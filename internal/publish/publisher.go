// Package publish 将围栏事件和采样后的位置发送到 Kafka, 供外部同步组件消费
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/segmentio/kafka-go"

	"github.com/geoyee/fieldops/internal/model"
)

const (
	KindGeofenceEvent = "geofence_event"
	KindPosition      = "position"

	queueSize    = 256
	writeTimeout = 10 * time.Second
)

// ErrClosed Close 之后发布
var ErrClosed = errors.New("publisher closed")

// Config Kafka 配置, broker 列表为空时不发布
type Config struct {
	Brokers  []string
	Topic    string
	DeviceID string
}

// Envelope 消息的 JSON 内容
type Envelope struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	DeviceID   string          `json:"device_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher 将消息排队并由单个协程写出, 定位路径上的调用方不会因 broker 阻塞
type Publisher struct {
	cfg     Config
	writer  messageWriter
	logger  hclog.Logger
	enabled bool

	mu     sync.Mutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

// NewPublisher 创建基于 Kafka 的发布器, 未配置 broker 时返回禁用的发布器
func NewPublisher(cfg Config, logger hclog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("publish")
	if len(cfg.Brokers) == 0 {
		logger.Info("kafka publishing disabled")
		return &Publisher{cfg: cfg, logger: logger}, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		Async:        false,
	}
	return newPublisherWithWriter(cfg, w, logger), nil
}

func newPublisherWithWriter(cfg Config, w messageWriter, logger hclog.Logger) *Publisher {
	p := &Publisher{
		cfg:     cfg,
		writer:  w,
		logger:  logger,
		enabled: true,
		queue:   make(chan kafka.Message, queueSize),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Publisher) Enabled() bool { return p.enabled }

func (p *Publisher) loop() {
	defer close(p.done)
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			p.logger.Warn("kafka write failed", "topic", p.cfg.Topic, "key", string(msg.Key), "error", err)
		}
		cancel()
	}
}

// PublishEvent 以区域 ID 为 key 发布围栏事件
func (p *Publisher) PublishEvent(ev model.GeofenceEvent) error {
	return p.enqueue(KindGeofenceEvent, ev.Region.ID, ev.Timestamp, ev)
}

// PublishPosition 以设备 ID 为 key 发布位置
func (p *Publisher) PublishPosition(pos model.Position) error {
	return p.enqueue(KindPosition, p.cfg.DeviceID, pos.Timestamp, pos)
}

func (p *Publisher) enqueue(kind, key string, at time.Time, payload any) error {
	if !p.enabled {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	env, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		DeviceID:   p.cfg.DeviceID,
		OccurredAt: at,
		Payload:    body,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: env,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
		},
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		p.logger.Warn("publish queue full, dropping message", "kind", kind, "key", key)
		return nil
	}
}

// Close 写出排队的消息并关闭 writer
func (p *Publisher) Close() error {
	if !p.enabled {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}
