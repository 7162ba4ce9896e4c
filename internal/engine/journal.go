package engine

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"tokenex.com/internal/exchange"
	"tokenex.com/pkg/wal"
)

const (
	journalFile = "exchange.journal"
	cursorFile  = "exchange.cursor"
)

func journalPath(dir string) string { return filepath.Join(dir, journalFile) }
func cursorPath(dir string) string  { return filepath.Join(dir, cursorFile) }

// Journal 事件日志：每条命令的记录以 CmdEnd 或 CmdAbort 收尾
type Journal struct {
	path  string
	w     *wal.Writer
	codec RecordCodec
	buf   []byte
}

func OpenJournal(path string, bufSize int, codec RecordCodec) (*Journal, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	w, err := wal.OpenWrite(path, bufSize)
	if err != nil {
		return nil, err
	}
	return &Journal{path: path, w: w, codec: codec, buf: make([]byte, 0, 512)}, nil
}

func (j *Journal) append(rec Record) error {
	payload, err := j.codec.Encode(j.buf[:0], rec)
	if err != nil {
		return err
	}
	j.buf = payload[:0]
	_, err = j.w.Append(payload)
	return err
}

func (j *Journal) AppendEvent(seq uint64, reqID string, ev exchange.Event) error {
	return j.append(Record{Seq: seq, Kind: RecEvent, ReqID: reqID, Event: &ev})
}

func (j *Journal) AppendIntent(seq uint64, reqID string, ev exchange.Event) error {
	return j.append(Record{Seq: seq, Kind: RecWithdrawIntent, ReqID: reqID, Event: &ev})
}

func (j *Journal) AppendEnd(seq uint64) error {
	return j.append(Record{Seq: seq, Kind: RecCmdEnd})
}

func (j *Journal) AppendAbort(seq uint64) error {
	return j.append(Record{Seq: seq, Kind: RecCmdAbort})
}

func (j *Journal) Offset() int64 { return j.w.Offset() }
func (j *Journal) Flush() error  { return j.w.Flush() }
func (j *Journal) Close() error  { return j.w.Close() }

// cursor 文件：8 字节 little endian offset
func loadCursor(path string) int64 {
	b, err := os.ReadFile(path)
	if err != nil || len(b) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b[:8]))
}

func storeCursor(path string, off int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(off))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b[:], 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
