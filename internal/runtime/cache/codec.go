package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	codecOnce sync.Once
	codecErr  error
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
)

func initCodec() error {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if codecErr != nil {
			codecErr = fmt.Errorf("cache: zstd encoder: %w", codecErr)
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if codecErr != nil {
			codecErr = fmt.Errorf("cache: zstd decoder: %w", codecErr)
		}
	})
	return codecErr
}

// encodeSnapshot serialises snap as zstd-compressed JSON.
func encodeSnapshot(snap Snapshot) ([]byte, error) {
	if err := initCodec(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("cache: marshal snapshot: %w", err)
	}
	return encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	if err := initCodec(); err != nil {
		return Snapshot{}, err
	}
	payload, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("cache: decompress snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("cache: unmarshal snapshot: %w", err)
	}
	return snap, nil
}
