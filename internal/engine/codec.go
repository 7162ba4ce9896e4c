package engine

import (
	"github.com/segmentio/encoding/json"
)

const recordVersion = 1

type RecordCodec interface {
	Encode(dst []byte, rec Record) ([]byte, error)
	Decode(payload []byte) (Record, error)
}

// JSONCodec 可读，方便直接 dump journal 排查
type JSONCodec struct{}

func (JSONCodec) Encode(dst []byte, rec Record) ([]byte, error) {
	if rec.V == 0 {
		rec.V = recordVersion
	}
	return json.Append(dst, rec, 0)
}

func (JSONCodec) Decode(payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
