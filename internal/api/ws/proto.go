package ws

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"tokenex.com/internal/exchange"
)

const (
	TopicTrades   = "trades"
	TopicOrders   = "orders"
	accountPrefix = "account:"
)

type ClientMsg struct {
	Type   string   `json:"type"`   // "sub" | "unsub"
	Topics []string `json:"topics"` // topic list
}

type ServerMsg struct {
	Type   string          `json:"type"` // "event" | "ack" | "error"
	Topic  string          `json:"topic,omitempty"`
	Seq    uint64          `json:"seq,omitempty"`
	Event  *exchange.Event `json:"event,omitempty"`
	Topics []string        `json:"topics,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func AccountTopic(addr common.Address) string {
	return accountPrefix + addr.Hex()
}

// TopicsFor 一条事件要推到哪些 topic
func TopicsFor(ev exchange.Event) []string {
	var out []string
	switch ev.Type {
	case exchange.EvTrade:
		out = append(out, TopicTrades)
	case exchange.EvOrder, exchange.EvCancel:
		out = append(out, TopicOrders)
	}
	seen := make(map[common.Address]bool, 2)
	for _, a := range ev.Accounts() {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, AccountTopic(a))
	}
	return out
}

// normalizeTopic 账户地址统一成 checksum 格式，不认识的 topic 返回 false
func normalizeTopic(s string) (string, bool) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case TopicTrades, TopicOrders:
		return strings.ToLower(s), true
	}
	if len(s) > len(accountPrefix) && strings.EqualFold(s[:len(accountPrefix)], accountPrefix) {
		addr := s[len(accountPrefix):]
		if common.IsHexAddress(addr) {
			return AccountTopic(common.HexToAddress(addr)), true
		}
	}
	return "", false
}

// public topic 才保留最后一条做快照
func isPublic(topic string) bool {
	return !strings.HasPrefix(topic, accountPrefix)
}
