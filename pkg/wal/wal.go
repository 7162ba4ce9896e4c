package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
)

// 记录格式：len(4) | crc32(4) | payload，小端
const (
	headerSize      = 8
	defaultFilePerm = 0o644
)

// 防止坏数据把内存吃爆
const DefaultMaxPayload = 4 << 20

var (
	ErrCorruptHeader    = errors.New("wal: corrupt header")
	ErrCorruptPayload   = errors.New("wal: corrupt payload")
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrPayloadTooLarge  = errors.New("wal: payload too large")
	ErrClosed           = errors.New("wal: writer closed")
)

type Writer struct {
	f  *os.File
	bw *bufio.Writer
	// 逻辑偏移，包含还在 bufio 里没落盘的部分
	off    int64
	closed bool
}

func OpenWrite(path string, bufSize int) (*Writer, error) {
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, bw: bufio.NewWriterSize(f, bufSize), off: st.Size()}, nil
}

// Append 写一条记录，返回这条记录结束后的偏移。调用 Flush 之前不保证落盘。
func (w *Writer) Append(payload []byte) (int64, error) {
	if w.closed {
		return w.off, ErrClosed
	}
	if len(payload) > DefaultMaxPayload {
		return w.off, ErrPayloadTooLarge
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:], crc32.ChecksumIEEE(payload))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return w.off, fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.bw.Write(payload); err != nil {
		return w.off, fmt.Errorf("wal: write payload: %w", err)
	}
	w.off += int64(headerSize + len(payload))
	return w.off, nil
}

func (w *Writer) Offset() int64 { return w.off }

// Flush 刷 bufio 再 fsync
func (w *Writer) Flush() error {
	if w.closed {
		return ErrClosed
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.bw.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

type ReplayOptions struct {
	MaxPayload int
	// 最后一条记录半写时当作正常结束
	AllowTruncatedTail bool
}

type ReplayStats struct {
	Records        int
	LastGoodOffset int64
	TruncatedTail  bool
}

// Replay 从头顺序回放；文件不存在视为空
func Replay(path string, opts ReplayOptions, onRecord func(payload []byte, endOff int64) error) (ReplayStats, error) {
	var st ReplayStats
	r, err := OpenReader(path, 0, ReaderOptions{
		MaxPayload:         opts.MaxPayload,
		AllowTruncatedTail: opts.AllowTruncatedTail,
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, err
	}
	defer r.Close()

	for {
		payload, next, err := r.Next()
		if err != nil {
			st.TruncatedTail = r.TruncatedTail()
			st.LastGoodOffset = r.LastGoodOffset()
			if errors.Is(err, errEOF) {
				return st, nil
			}
			return st, err
		}
		if err := onRecord(payload, next); err != nil {
			st.LastGoodOffset = r.LastGoodOffset()
			return st, err
		}
		st.Records++
	}
}

// TruncateTo 截断到 offset；文件不存在或 offset 超过文件大小时什么都不做
func TruncateTo(path string, offset int64) error {
	if offset < 0 {
		return fmt.Errorf("wal: negative truncate offset %d", offset)
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if offset >= st.Size() {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return err
	}
	return f.Sync()
}
