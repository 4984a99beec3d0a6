// Package kafkaevents 发布运行生命周期事件（run.started/run.completed/run.failed）。
package kafkaevents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TypeStarted   = "run.started"
	TypeCompleted = "run.completed"
	TypeFailed    = "run.failed"
)

// Event: 以 run_id 为分区键的 JSON 消息。
type Event struct {
	Type       string    `json:"type"`
	RunID      string    `json:"run_id"`
	TS         time.Time `json:"ts"`
	TotalFiles int       `json:"total_files"`
	Batches    int       `json:"batches"`
	State      string    `json:"state,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms,omitempty"`
}

// Options: broker 与主题。
type Options struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher 同步写入 Kafka。
type Publisher struct {
	w     messageWriter
	topic string
}

// New 构造发布器（不建立连接，首次写入时拨号）。
func New(o Options) *Publisher {
	return &Publisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(o.Brokers...),
			Topic:        o.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
			MaxAttempts:  3,
			RequiredAcks: kafka.RequireAll,
		},
		topic: o.Topic,
	}
}

// Publish 序列化并写入单个事件；TS 为零值时填充当前 UTC 时间。
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := kafka.Message{Key: []byte(ev.RunID), Value: value, Time: ev.TS}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", ev.Type, p.topic, err)
	}
	return nil
}

func (p *Publisher) Close() error { return p.w.Close() }
