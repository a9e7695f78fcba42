package fic

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// containerMagic starts a .fci file: the raw mapping stream compressed
// with zstd.
const containerMagic = "FIC\n"

func mustNewZstdEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(
		nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		panic(err)
	}
	return enc
}

func mustNewZstdDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(
		nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
	)
	if err != nil {
		panic(err)
	}
	return dec
}

var zstdEncPool = sync.Pool{
	New: func() any {
		return mustNewZstdEncoder()
	},
}

var zstdDecPool = sync.Pool{
	New: func() any {
		return mustNewZstdDecoder()
	},
}

func compressZstd(data []byte) []byte {
	enc := zstdEncPool.Get().(*zstd.Encoder)
	out := enc.EncodeAll(data, nil)
	zstdEncPool.Put(enc)
	return out
}

func decompressZstd(data []byte) ([]byte, error) {
	dec := zstdDecPool.Get().(*zstd.Decoder)
	out, err := dec.DecodeAll(data, nil)
	zstdDecPool.Put(dec)
	return out, err
}

// WriteContainer writes ms as a compressed .fci container.
func WriteContainer(w io.Writer, ms *MappingSet) error {
	raw, err := ms.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, containerMagic); err != nil {
		return err
	}
	_, err = w.Write(compressZstd(raw))
	return err
}

// ReadContainer reads a .fci container written by WriteContainer.
func ReadContainer(r io.Reader) (*MappingSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, []byte(containerMagic)) {
		return nil, ErrInvalidMagic
	}
	raw, err := decompressZstd(data[len(containerMagic):])
	if err != nil {
		return nil, fmt.Errorf("fic: decompress: %w", err)
	}
	return parseMappingSet(raw)
}
