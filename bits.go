package fic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

// bitWriter writes bits to a bytes.Buffer (msb-first in each byte).
type bitWriter struct {
	buf  *bytes.Buffer
	byte byte
	n    uint8 // number of bits pending in byte (0..7)
}

func newBitWriter(buf *bytes.Buffer) bitWriter {
	return bitWriter{buf: buf}
}

func (bw *bitWriter) writeBit(bit bool) {
	bw.byte <<= 1
	if bit {
		bw.byte |= 1
	}
	bw.n++
	if bw.n == 8 {
		_ = bw.buf.WriteByte(bw.byte)
		bw.byte = 0
		bw.n = 0
	}
}

// writeBits writes the low n bits of v, most significant first.
func (bw *bitWriter) writeBits(v uint64, n uint8) {
	for n > 0 {
		k := 8 - bw.n
		if k > n {
			k = n
		}
		shift := n - k
		chunk := byte((v >> shift) & (1<<k - 1))
		bw.byte = bw.byte<<k | chunk
		bw.n += k
		n -= k
		if bw.n == 8 {
			_ = bw.buf.WriteByte(bw.byte)
			bw.byte = 0
			bw.n = 0
		}
	}
}

// flush pads the pending byte with zeros and writes it.
func (bw *bitWriter) flush() {
	if bw.n > 0 {
		bw.byte <<= 8 - bw.n
		_ = bw.buf.WriteByte(bw.byte)
		bw.byte = 0
		bw.n = 0
	}
}

// bitReader reads bits from a byte slice (msb-first in each byte).
type bitReader struct {
	data []byte
	idx  int
	bit  uint8 // bit position in current byte (0..7), msb-first
}

func newBitReader(data []byte) bitReader {
	return bitReader{data: data}
}

func (br *bitReader) readBit() (bool, error) {
	if br.idx >= len(br.data) {
		return false, io.EOF
	}
	isSet := br.data[br.idx]&(1<<(7-br.bit)) != 0
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.idx++
	}
	return isSet, nil
}

// readBits reads n bits (0..64) msb-first and returns them in the low bits.
func (br *bitReader) readBits(n uint8) (uint64, error) {
	if n > 64 {
		return 0, fmt.Errorf("readBits: invalid bit count %d", n)
	}
	var out uint64
	for n > 0 {
		if br.idx >= len(br.data) {
			return 0, io.ErrUnexpectedEOF
		}
		rem := 8 - br.bit
		k := rem
		if k > n {
			k = n
		}
		b := br.data[br.idx]
		chunk := (b >> (rem - k)) & byte(1<<k-1)
		out = out<<k | uint64(chunk)
		br.bit += k
		n -= k
		if br.bit == 8 {
			br.bit = 0
			br.idx++
		}
	}
	return out, nil
}

// align skips to the next byte boundary.
func (br *bitReader) align() {
	if br.bit != 0 {
		br.bit = 0
		br.idx++
	}
}

// log2ceil returns the smallest k with 1<<k >= v; log2ceil(0) and log2ceil(1) are 0.
func log2ceil(v int) int {
	if v <= 1 {
		return 0
	}
	return bits.Len(uint(v - 1))
}

func putU16BE(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putU32BE(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
