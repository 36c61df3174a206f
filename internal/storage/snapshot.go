package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// SnapshotRecord is one arena node in a snapshot: the stored vector and
// payload plus its full adjacency, in arena order. Tombstoned nodes are
// included so the restored graph is identical to the one snapshotted;
// they are dropped physically at the next rebuild, not at snapshot
// time.
type SnapshotRecord struct {
	ID        string // external identifier; empty for tombstoned nodes
	Deleted   bool
	Level     int
	Vector    []float32
	Code      []byte
	Sparse    []SparsePair
	Payload   map[string]interface{}
	Neighbors [][]uint32 // per layer, 0..Level
}

// SnapshotData is a consistent image of one collection at LastSeq.
type SnapshotData struct {
	Dimension  int
	Records    []SnapshotRecord
	EntryPoint int32 // arena index, -1 when empty
	MaxLayer   int32
	Seed       int64
	LastSeq    uint64
}

func snapshotName(gen uint64) string {
	return fmt.Sprintf("snapshot-%d", gen)
}

func logName(gen uint64) string {
	return fmt.Sprintf("log-%d", gen)
}

// writeSnapshot serializes data to a uniquely-named temp file, fsyncs
// it, and renames it into place as the given generation. The manifest
// is not touched here; the engine flips it after the rename so a crash
// mid-write leaves the previous snapshot current.
func writeSnapshot(dir string, gen uint64, data *SnapshotData) error {
	w := &writer{buf: make([]byte, 0, 1<<16)}

	w.u32(uint32(len(data.Records)))
	for i := range data.Records {
		rec := &data.Records[i]
		w.str(rec.ID)
		if rec.Deleted {
			w.u8(1)
		} else {
			w.u8(0)
		}
		w.u8(uint8(rec.Level))

		for _, v := range rec.Vector {
			w.u32(float32bits(v))
		}
		w.bytes(rec.Code)

		w.u32(uint32(len(rec.Sparse)))
		for _, p := range rec.Sparse {
			w.u32(p.Index)
			w.u32(float32bits(p.Weight))
		}

		var payload []byte
		if rec.Payload != nil {
			var err error
			payload, err = json.Marshal(rec.Payload)
			if err != nil {
				return fmt.Errorf("storage: serialize payload for %q: %w", rec.ID, err)
			}
		}
		w.bytes(payload)
	}

	// Graph adjacency image: per node, per layer, (layer id, neighbor
	// count, neighbor ids).
	for i := range data.Records {
		rec := &data.Records[i]
		w.u8(uint8(len(rec.Neighbors)))
		for layer, neighbors := range rec.Neighbors {
			w.u16(uint16(layer))
			w.u32(uint32(len(neighbors)))
			for _, n := range neighbors {
				w.u32(n)
			}
		}
	}

	w.u32(uint32(data.EntryPoint))
	w.u32(uint32(data.MaxLayer))
	w.u64(uint64(data.Seed))
	w.u64(data.LastSeq)
	w.u32(Checksum(w.buf))

	tmp := filepath.Join(dir, "snapshot-"+uuid.NewString()+".tmp")
	if err := writeFileSync(tmp, w.buf); err != nil {
		return fmt.Errorf("storage: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, snapshotName(gen))); err != nil {
		return fmt.Errorf("storage: install snapshot: %w", err)
	}
	return syncDir(dir)
}

// readSnapshot loads and verifies a snapshot generation. The dimension
// comes from the collection header; vector payloads are fixed-width so
// the format does not repeat it per record.
func readSnapshot(dir string, gen uint64, dimension int) (*SnapshotData, error) {
	data, err := os.ReadFile(filepath.Join(dir, snapshotName(gen)))
	if err != nil {
		return nil, fmt.Errorf("storage: read snapshot: %w", err)
	}

	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated", ErrCorruptSnapshot)
	}
	stored := uint32(data[len(data)-4]) | uint32(data[len(data)-3])<<8 |
		uint32(data[len(data)-2])<<16 | uint32(data[len(data)-1])<<24
	if Checksum(data[:len(data)-4]) != stored {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	r := newReader(data[:len(data)-4])
	out := &SnapshotData{Dimension: dimension}

	count := int(r.u32())
	out.Records = make([]SnapshotRecord, 0, count)
	for i := 0; i < count; i++ {
		rec := SnapshotRecord{}
		rec.ID = r.str()
		rec.Deleted = r.u8() == 1
		rec.Level = int(r.u8())

		rec.Vector = make([]float32, dimension)
		for d := 0; d < dimension; d++ {
			rec.Vector[d] = float32frombits(r.u32())
		}

		if code := r.lenBytes(); len(code) > 0 {
			rec.Code = append([]byte(nil), code...)
		}

		sparseCount := int(r.u32())
		if !r.ok || sparseCount > r.remain()/8 {
			return nil, fmt.Errorf("%w: bad sparse count", ErrCorruptSnapshot)
		}
		for s := 0; s < sparseCount; s++ {
			rec.Sparse = append(rec.Sparse, SparsePair{
				Index:  r.u32(),
				Weight: float32frombits(r.u32()),
			})
		}

		if payload := r.lenBytes(); len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("%w: payload for %q: %v", ErrCorruptSnapshot, rec.ID, err)
			}
		}

		if !r.ok {
			return nil, fmt.Errorf("%w: truncated record %d", ErrCorruptSnapshot, i)
		}
		out.Records = append(out.Records, rec)
	}

	for i := 0; i < count; i++ {
		layers := int(r.u8())
		neighbors := make([][]uint32, layers)
		for l := 0; l < layers; l++ {
			layerID := int(r.u16())
			if layerID >= layers {
				return nil, fmt.Errorf("%w: layer id %d out of range", ErrCorruptSnapshot, layerID)
			}
			n := int(r.u32())
			if !r.ok || n > r.remain()/4 {
				return nil, fmt.Errorf("%w: bad neighbor count", ErrCorruptSnapshot)
			}
			ids := make([]uint32, n)
			for j := 0; j < n; j++ {
				ids[j] = r.u32()
			}
			neighbors[layerID] = ids
		}
		out.Records[i].Neighbors = neighbors
	}

	out.EntryPoint = int32(r.u32())
	out.MaxLayer = int32(r.u32())
	out.Seed = int64(r.u64())
	out.LastSeq = r.u64()

	if !r.ok || r.remain() != 0 {
		return nil, fmt.Errorf("%w: trailing or missing bytes", ErrCorruptSnapshot)
	}

	return out, nil
}
