package broker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/encoding/json"
	"tokenex.com/internal/engine"
	"tokenex.com/internal/exchange"
)

type Message struct {
	Topic   string
	Key     []byte // kafka 分区键，其他实现忽略
	Payload []byte
}

type Broker interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe ctx 结束时关闭返回的 chan
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}

// Topics 所有事件主题
func Topics() []string {
	return []string{
		exchange.EvDeposit.Topic(),
		exchange.EvWithdraw.Topic(),
		exchange.EvOrder.Topic(),
		exchange.EvCancel.Topic(),
		exchange.EvTrade.Topic(),
	}
}

type Config struct {
	Kind    string   `mapstructure:"kind"` // nats | kafka | memory
	URL     string   `mapstructure:"url"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

func New(c Config) (Broker, error) {
	switch c.Kind {
	case "", "memory":
		return NewMemBroker(), nil
	case "nats":
		return NewNatsBroker(c.URL)
	case "kafka":
		if len(c.Brokers) == 0 {
			return nil, fmt.Errorf("kafka broker: no brokers configured")
		}
		return NewKafkaBroker(c.Brokers, c.GroupID), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", c.Kind)
	}
}

// Sink 把引擎事件按类型发到对应主题
type Sink struct {
	b Broker
}

func NewSink(b Broker) *Sink { return &Sink{b: b} }

func (s *Sink) Name() string { return "broker" }

func (s *Sink) Consume(ctx context.Context, env engine.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.b.Publish(ctx, Message{
		Topic:   env.Event.Type.Topic(),
		Key:     partitionKey(env.Event),
		Payload: payload,
	})
}

// 同一订单的事件落在同一分区，充提按账户
func partitionKey(ev exchange.Event) []byte {
	if ev.OrderID != 0 {
		return []byte(strconv.FormatUint(ev.OrderID, 10))
	}
	return ev.User.Bytes()
}

// Decode 消费方解析 Sink 发出的消息
func Decode(msg Message) (engine.Envelope, error) {
	var env engine.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return engine.Envelope{}, fmt.Errorf("decode %s message: %w", msg.Topic, err)
	}
	return env, nil
}

var _ engine.Sink = (*Sink)(nil)
