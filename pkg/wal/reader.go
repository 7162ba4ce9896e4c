package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
)

var errEOF = io.EOF

type ReaderOptions struct {
	MaxPayload         int
	AllowTruncatedTail bool
	BufferSize         int
}

// Reader 从任意记录边界开始顺序读，可以读正在被写的文件
type Reader struct {
	f   *os.File
	br  *bufio.Reader
	off int64

	maxPayload int
	allowTail  bool

	truncatedTail  bool
	lastGoodOffset int64
}

// OpenReader offset 必须是记录边界
func OpenReader(path string, offset int64, opts ReaderOptions) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256 << 10
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	return &Reader{
		f:              f,
		br:             bufio.NewReaderSize(f, opts.BufferSize),
		off:            offset,
		maxPayload:     opts.MaxPayload,
		allowTail:      opts.AllowTruncatedTail,
		lastGoodOffset: offset,
	}, nil
}

func (r *Reader) Close() error { return r.f.Close() }

func (r *Reader) TruncatedTail() bool   { return r.truncatedTail }
func (r *Reader) LastGoodOffset() int64 { return r.lastGoodOffset }

// Next 返回下一条 payload 和它之后的偏移。
// 读到干净的结尾返回 io.EOF；半写的尾巴在 AllowTruncatedTail 时也返回 io.EOF。
func (r *Reader) Next() (payload []byte, nextOffset int64, err error) {
	var hdr [headerSize]byte
	if _, err = io.ReadFull(r.br, hdr[:]); err != nil {
		return nil, r.off, r.tailErr(err, ErrCorruptHeader)
	}

	ln := int(binary.LittleEndian.Uint32(hdr[0:4]))
	crc := binary.LittleEndian.Uint32(hdr[4:8])
	if ln > r.maxPayload {
		return nil, r.off, ErrPayloadTooLarge
	}

	payload = make([]byte, ln)
	if _, err = io.ReadFull(r.br, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, r.off, r.tailErr(err, ErrCorruptPayload)
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, r.off, ErrChecksumMismatch
	}

	r.off += int64(headerSize + ln)
	r.lastGoodOffset = r.off
	return payload, r.off, nil
}

func (r *Reader) tailErr(err error, corrupt error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		r.truncatedTail = true
		if r.allowTail {
			return io.EOF
		}
		return corrupt
	}
	return err
}
