package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Header carries a collection's configuration and, once the quantizer
// is trained, its codebook. The text section is TOML-like key = value
// lines; the codebook follows as a length-prefixed binary blob after a
// blank line.
type Header struct {
	Name             string
	Dimension        int
	Metric           string
	M                int
	EfConstruction   int
	EfSearch         int
	MaxLayer         int
	Seed             int64
	QuantEnabled     bool
	QuantType        string
	QuantSubvectors  int
	QuantBits        int
	QuantOnly        bool
	HybridEnabled    bool
	RebuildThreshold float64

	Codebook []byte // nil until the quantizer is trained
}

func headerFields(h *Header) map[string]string {
	return map[string]string{
		"name":                    h.Name,
		"dimension":               strconv.Itoa(h.Dimension),
		"metric":                  h.Metric,
		"hnsw.m":                  strconv.Itoa(h.M),
		"hnsw.ef_construction":    strconv.Itoa(h.EfConstruction),
		"hnsw.ef_search":          strconv.Itoa(h.EfSearch),
		"hnsw.max_layer":          strconv.Itoa(h.MaxLayer),
		"hnsw.seed":               strconv.FormatInt(h.Seed, 10),
		"quantization.enabled":    strconv.FormatBool(h.QuantEnabled),
		"quantization.type":       h.QuantType,
		"quantization.subvectors": strconv.Itoa(h.QuantSubvectors),
		"quantization.bits":       strconv.Itoa(h.QuantBits),
		"quantization.only":       strconv.FormatBool(h.QuantOnly),
		"hybrid.enabled":          strconv.FormatBool(h.HybridEnabled),
		"rebuild_threshold":       strconv.FormatFloat(h.RebuildThreshold, 'g', -1, 64),
	}
}

// writeHeader writes the header file atomically.
func writeHeader(dir string, h *Header) error {
	fields := headerFields(h)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s = %s\n", k, fields[k])
	}
	buf.WriteByte('\n')

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(h.Codebook)))
	buf.Write(lenBuf[:])
	buf.Write(h.Codebook)

	tmp := filepath.Join(dir, "header.tmp")
	if err := writeFileSync(tmp, buf.Bytes()); err != nil {
		return fmt.Errorf("storage: write header: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "header")); err != nil {
		return fmt.Errorf("storage: install header: %w", err)
	}
	return syncDir(dir)
}

// readHeader reads and parses a collection header.
func readHeader(dir string) (*Header, error) {
	data, err := os.ReadFile(filepath.Join(dir, "header"))
	if err != nil {
		return nil, fmt.Errorf("storage: read header: %w", err)
	}

	sep := bytes.Index(data, []byte("\n\n"))
	if sep < 0 {
		return nil, fmt.Errorf("storage: header missing section separator")
	}

	h := &Header{}
	for _, line := range strings.Split(string(data[:sep]), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("storage: malformed header line %q", line)
		}
		if err := h.set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}

	blob := data[sep+2:]
	if len(blob) < 4 {
		return nil, fmt.Errorf("storage: header missing codebook length")
	}
	codebookLen := binary.LittleEndian.Uint32(blob)
	if len(blob) != 4+int(codebookLen) {
		return nil, fmt.Errorf("storage: header codebook is %d bytes, expected %d", len(blob)-4, codebookLen)
	}
	if codebookLen > 0 {
		h.Codebook = append([]byte(nil), blob[4:]...)
	}

	return h, nil
}

func (h *Header) set(key, value string) error {
	var err error
	switch key {
	case "name":
		h.Name = value
	case "dimension":
		h.Dimension, err = strconv.Atoi(value)
	case "metric":
		h.Metric = value
	case "hnsw.m":
		h.M, err = strconv.Atoi(value)
	case "hnsw.ef_construction":
		h.EfConstruction, err = strconv.Atoi(value)
	case "hnsw.ef_search":
		h.EfSearch, err = strconv.Atoi(value)
	case "hnsw.max_layer":
		h.MaxLayer, err = strconv.Atoi(value)
	case "hnsw.seed":
		h.Seed, err = strconv.ParseInt(value, 10, 64)
	case "quantization.enabled":
		h.QuantEnabled, err = strconv.ParseBool(value)
	case "quantization.type":
		h.QuantType = value
	case "quantization.subvectors":
		h.QuantSubvectors, err = strconv.Atoi(value)
	case "quantization.bits":
		h.QuantBits, err = strconv.Atoi(value)
	case "quantization.only":
		h.QuantOnly, err = strconv.ParseBool(value)
	case "hybrid.enabled":
		h.HybridEnabled, err = strconv.ParseBool(value)
	case "rebuild_threshold":
		h.RebuildThreshold, err = strconv.ParseFloat(value, 64)
	default:
		// Unknown keys are tolerated so older binaries can open newer
		// directories.
	}
	if err != nil {
		return fmt.Errorf("storage: header field %s: %w", key, err)
	}
	return nil
}
