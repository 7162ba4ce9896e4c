package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"tokenex.com/internal/exchange"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/wal"
)

// SnapshotStore 保存/读取核心状态的完整快照
type SnapshotStore interface {
	Load() (st exchange.State, seq uint64, ok bool, err error)
	Save(st exchange.State, seq uint64) error
}

type RecoverStats struct {
	SnapshotSeq    uint64
	LastSeq        uint64
	Groups         int // 回放的已提交命令
	Aborted        int
	Discarded      int  // 尾部丢弃的半截命令
	ResolvedIntent bool // 尾部悬空的提现意图按已提现处理
	TruncatedTail  bool
}

// group 同一个 seq 的记录
type group struct {
	seq    uint64
	start  int64
	recs   []Record
	intent *exchange.Event
}

func (g *group) reset(start int64) {
	g.seq = 0
	g.start = start
	g.recs = g.recs[:0]
	g.intent = nil
}

func (g *group) open() bool { return len(g.recs) > 0 }

// recoverCore 快照 + journal 重建 core。
// 尾部半截记录会被截掉，悬空的提现意图补写 Withdraw + CmdEnd。
func recoverCore(path string, codec RecordCodec, core *exchange.Exchange, snaps SnapshotStore) (RecoverStats, error) {
	var st RecoverStats
	if snaps != nil {
		snap, seq, ok, err := snaps.Load()
		if err != nil {
			return st, fmt.Errorf("load snapshot: %w", err)
		}
		if ok {
			core.Restore(snap)
			st.SnapshotSeq = seq
			st.LastSeq = seq
		}
	}

	var g group
	rs, err := wal.Replay(path, wal.ReplayOptions{AllowTruncatedTail: true}, func(payload []byte, endOff int64) error {
		rec, err := codec.Decode(payload)
		if err != nil {
			return fmt.Errorf("decode journal record: %w", err)
		}
		if g.open() && rec.Seq != g.seq {
			return fmt.Errorf("journal: seq %d not terminated before seq %d", g.seq, rec.Seq)
		}

		switch rec.Kind {
		case RecEvent:
			if rec.Event == nil {
				return fmt.Errorf("journal: seq %d event record without event", rec.Seq)
			}
			g.seq = rec.Seq
			g.recs = append(g.recs, rec)
		case RecWithdrawIntent:
			if rec.Event == nil {
				return fmt.Errorf("journal: seq %d intent without event", rec.Seq)
			}
			g.seq = rec.Seq
			g.recs = append(g.recs, rec)
			ev := *rec.Event
			g.intent = &ev
		case RecCmdEnd:
			if rec.Seq > st.SnapshotSeq {
				for _, r := range g.recs {
					if r.Kind != RecEvent {
						continue
					}
					if err := core.Apply(*r.Event); err != nil {
						return fmt.Errorf("journal seq %d: %w", rec.Seq, err)
					}
				}
				st.Groups++
			}
			if rec.Seq > st.LastSeq {
				st.LastSeq = rec.Seq
			}
			g.reset(endOff)
		case RecCmdAbort:
			if rec.Seq > st.LastSeq {
				st.LastSeq = rec.Seq
			}
			st.Aborted++
			g.reset(endOff)
		default:
			return fmt.Errorf("journal: seq %d unknown record kind %d", rec.Seq, rec.Kind)
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	st.TruncatedTail = rs.TruncatedTail

	// 截到最后一个完整命令边界
	if rs.TruncatedTail || g.open() {
		if err := wal.TruncateTo(path, g.start); err != nil {
			return st, fmt.Errorf("truncate journal: %w", err)
		}
	}
	if !g.open() {
		return st, nil
	}
	if g.intent == nil || g.seq <= st.SnapshotSeq {
		st.Discarded++
		logger.Warn(context.Background(), "journal: discard incomplete tail command",
			zap.Uint64("seq", g.seq), zap.Int("records", len(g.recs)))
		return st, nil
	}

	// 推币可能已经发生，只能按已提现记账
	if err := resolveIntent(path, codec, g.seq, g.recs[0].ReqID, *g.intent); err != nil {
		return st, err
	}
	if err := core.Apply(*g.intent); err != nil {
		return st, fmt.Errorf("journal seq %d: resolve intent: %w", g.seq, err)
	}
	st.ResolvedIntent = true
	st.Groups++
	st.LastSeq = g.seq
	logger.Warn(context.Background(), "journal: dangling withdraw intent resolved as committed",
		zap.Uint64("seq", g.seq),
		zap.String("token", g.intent.Token.Hex()),
		zap.String("user", g.intent.User.Hex()),
		zap.String("amount", g.intent.Amount.String()),
	)
	return st, nil
}

func resolveIntent(path string, codec RecordCodec, seq uint64, reqID string, ev exchange.Event) error {
	j, err := OpenJournal(path, 0, codec)
	if err != nil {
		return err
	}
	if err := j.AppendIntent(seq, reqID, ev); err != nil {
		_ = j.Close()
		return err
	}
	if err := j.AppendEvent(seq, reqID, ev); err != nil {
		_ = j.Close()
		return err
	}
	if err := j.AppendEnd(seq); err != nil {
		_ = j.Close()
		return err
	}
	return j.Close()
}
