package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"tokenex.com/internal/exchange"
)

// keys: b/<token 20><account 20>, o/<id 8 BE>, m/seq, m/count
var (
	prefixBalance = []byte("b/")
	prefixOrder   = []byte("o/")
	keySeq        = []byte("m/seq")
	keyCount      = []byte("m/count")
)

func balanceKey(token, account common.Address) []byte {
	k := make([]byte, 0, len(prefixBalance)+2*common.AddressLength)
	k = append(k, prefixBalance...)
	k = append(k, token.Bytes()...)
	return append(k, account.Bytes()...)
}

func orderKey(id uint64) []byte {
	k := make([]byte, len(prefixOrder)+8)
	copy(k, prefixOrder)
	binary.BigEndian.PutUint64(k[len(prefixOrder):], id)
	return k
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// upperBound 前缀的最后一个字节 +1
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// PebbleStore 只保存最近一份完整快照
type PebbleStore struct {
	db *pebble.DB
}

func Open(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Save 一个 Sync batch 整体替换上一份快照
func (s *PebbleStore) Save(st exchange.State, seq uint64) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.DeleteRange(prefixBalance, upperBound(prefixBalance), nil); err != nil {
		return err
	}
	if err := b.DeleteRange(prefixOrder, upperBound(prefixOrder), nil); err != nil {
		return err
	}
	for _, bal := range st.Balances {
		if err := b.Set(balanceKey(bal.Token, bal.Account), []byte(bal.Amount.String()), nil); err != nil {
			return err
		}
	}
	for _, o := range st.Orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode order %d: %w", o.ID, err)
		}
		if err := b.Set(orderKey(o.ID), data, nil); err != nil {
			return err
		}
	}
	if err := b.Set(keyCount, u64(st.OrderCount), nil); err != nil {
		return err
	}
	if err := b.Set(keySeq, u64(seq), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Load 没有快照时 ok=false
func (s *PebbleStore) Load() (st exchange.State, seq uint64, ok bool, err error) {
	seqVal, err := s.getU64(keySeq)
	if errors.Is(err, pebble.ErrNotFound) {
		return exchange.State{}, 0, false, nil
	}
	if err != nil {
		return exchange.State{}, 0, false, err
	}
	count, err := s.getU64(keyCount)
	if err != nil {
		return exchange.State{}, 0, false, fmt.Errorf("snapshot order count: %w", err)
	}
	st.OrderCount = count

	if err := s.scan(prefixBalance, func(k, v []byte) error {
		if len(k) != len(prefixBalance)+2*common.AddressLength {
			return fmt.Errorf("bad balance key %x", k)
		}
		amount, err := decimal.NewFromString(string(v))
		if err != nil {
			return fmt.Errorf("bad balance value %q: %w", v, err)
		}
		k = k[len(prefixBalance):]
		st.Balances = append(st.Balances, exchange.Balance{
			Token:   common.BytesToAddress(k[:common.AddressLength]),
			Account: common.BytesToAddress(k[common.AddressLength:]),
			Amount:  amount,
		})
		return nil
	}); err != nil {
		return exchange.State{}, 0, false, err
	}

	if err := s.scan(prefixOrder, func(_, v []byte) error {
		var o exchange.Order
		if err := json.Unmarshal(v, &o); err != nil {
			return fmt.Errorf("decode order: %w", err)
		}
		st.Orders = append(st.Orders, o)
		return nil
	}); err != nil {
		return exchange.State{}, 0, false, err
	}
	return st, seqVal, true, nil
}

func (s *PebbleStore) getU64(key []byte) (uint64, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, fmt.Errorf("bad value length %d for %s", len(v), key)
	}
	return binary.BigEndian.Uint64(v), nil
}

func (s *PebbleStore) scan(prefix []byte, fn func(k, v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
