package broker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/safe"
)

// KafkaBroker 主题名里的 ":" 换成 "."，kafka 不允许冒号
type KafkaBroker struct {
	brokers []string
	groupID string
	writer  *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
}

func NewKafkaBroker(brokers []string, groupID string) *KafkaBroker {
	if groupID == "" {
		groupID = "tokenex"
	}
	return &KafkaBroker{
		brokers: brokers,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Async:                  false,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (b *KafkaBroker) Publish(ctx context.Context, msg Message) error {
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topicToSubject(msg.Topic),
		Key:   msg.Key,
		Value: msg.Payload,
	})
}

func (b *KafkaBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	names := make([]string, 0, len(topics))
	for _, t := range topics {
		names = append(names, topicToSubject(t))
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		GroupID:     b.groupID,
		GroupTopics: names,
		MinBytes:    1,
		MaxBytes:    10 << 20,
		MaxWait:     100 * time.Millisecond,
	})
	b.mu.Lock()
	b.readers = append(b.readers, r)
	b.mu.Unlock()

	out := make(chan Message, 1024)
	safe.Go(func() {
		defer close(out)
		defer r.Close()
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) {
					logger.Warn(ctx, "kafka read failed", zap.Error(err))
				}
				return
			}
			select {
			case out <- Message{Topic: subjectToTopic(m.Topic), Key: m.Key, Payload: m.Value}:
			case <-ctx.Done():
				return
			}
		}
	})
	return out, nil
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()
	for _, r := range readers {
		_ = r.Close()
	}
	return b.writer.Close()
}
