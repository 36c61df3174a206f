// Package storage implements the durable side of the engine: a
// length-prefixed, CRC-guarded operation log, snapshot images of
// collection state, and a manifest naming the current generation of
// each. All on-disk integers are little-endian.
package storage

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
)

func float32bits(f float32) uint32     { return math.Float32bits(f) }
func float32frombits(b uint32) float32 { return math.Float32frombits(b) }

// Magic identifies the manifest format.
const Magic = "VECDBv1"

// OpTag identifies the operation a log record carries.
type OpTag uint8

const (
	OpInsert           OpTag = 1
	OpDelete           OpTag = 2
	OpUpdatePayload    OpTag = 3
	OpCreateCollection OpTag = 4
	OpDeleteCollection OpTag = 5
)

// Sentinel errors surfaced by the storage layer. The public package
// re-exports these under its error taxonomy.
var (
	// ErrOverloaded is returned when the log writer queue is saturated;
	// callers should back off rather than block.
	ErrOverloaded = errors.New("storage: log queue saturated")

	// ErrCorruptLog marks a CRC mismatch during replay. The first
	// failing record is treated as the log tail.
	ErrCorruptLog = errors.New("storage: corrupt log record")

	// ErrCorruptSnapshot marks a snapshot whose checksum does not
	// match its contents.
	ErrCorruptSnapshot = errors.New("storage: corrupt snapshot")

	// ErrCorruptManifest marks an unreadable or mismatched manifest.
	ErrCorruptManifest = errors.New("storage: corrupt manifest")

	// ErrUnknownCollection is returned for operations against a
	// collection the engine has no directory for.
	ErrUnknownCollection = errors.New("storage: unknown collection")
)

// castagnoli is the CRC32C polynomial table shared by every file format
// in the package.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes CRC32C over data.
func Checksum(data ...[]byte) uint32 {
	var sum uint32
	for _, d := range data {
		sum = crc32.Update(sum, castagnoli, d)
	}
	return sum
}

// SparsePair is one (dimension index, weight) element of a sparse
// feature list.
type SparsePair struct {
	Index  uint32  `json:"i"`
	Weight float32 `json:"w"`
}

// LogRecord is one mutation in a collection's operation log. Seq is the
// collection-scoped monotone sequence number that makes replay
// idempotent: recovery rejects records with Seq <= snapshot.LastSeq.
type LogRecord struct {
	Seq     uint64                 `json:"seq"`
	Op      OpTag                  `json:"-"`
	ID      string                 `json:"id,omitempty"`
	Vector  []float32              `json:"vector,omitempty"`
	Sparse  []SparsePair           `json:"sparse,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// binary write helpers over a growing buffer.

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}
func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// reader walks a byte slice with bounds checking; ok flips false on the
// first short read and stays false.
type reader struct {
	buf []byte
	off int
	ok  bool
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf, ok: true}
}

func (r *reader) remain() int { return len(r.buf) - r.off }

func (r *reader) take(n int) []byte {
	if !r.ok || r.remain() < n {
		r.ok = false
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) lenBytes() []byte {
	n := r.u32()
	return r.take(int(n))
}

func (r *reader) str() string {
	n := r.u16()
	return string(r.take(int(n)))
}
