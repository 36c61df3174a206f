package storage

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// appendLog is one generation of a collection's operation log. Records
// are only ever appended; truncation happens by starting a new
// generation after a snapshot, never by rewriting in place.
//
// Record framing: u32 payload length | u8 op tag | payload | u32 CRC32C.
// The checksum covers the tag and the payload, so a torn tail fails
// verification no matter where the write was cut.
type appendLog struct {
	file   *os.File
	writer *bufio.Writer
	path   string
	sync   bool
}

func openAppendLog(path string, syncWrites bool) (*appendLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open log %s: %w", path, err)
	}

	return &appendLog{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
		sync:   syncWrites,
	}, nil
}

// append frames and writes one record. The record is committed once
// append returns nil; the caller orders its in-memory update after
// that.
func (l *appendLog) append(rec *LogRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: serialize log record: %w", err)
	}

	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(payload)))
	if _, err := l.writer.Write(frame[:]); err != nil {
		return fmt.Errorf("storage: write log length: %w", err)
	}
	if err := l.writer.WriteByte(byte(rec.Op)); err != nil {
		return fmt.Errorf("storage: write log tag: %w", err)
	}
	if _, err := l.writer.Write(payload); err != nil {
		return fmt.Errorf("storage: write log payload: %w", err)
	}

	crc := Checksum([]byte{byte(rec.Op)}, payload)
	binary.LittleEndian.PutUint32(frame[:], crc)
	if _, err := l.writer.Write(frame[:]); err != nil {
		return fmt.Errorf("storage: write log checksum: %w", err)
	}

	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("storage: flush log: %w", err)
	}
	if l.sync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("storage: sync log: %w", err)
		}
	}

	return nil
}

func (l *appendLog) close() error {
	if l == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return fmt.Errorf("storage: flush log on close: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("storage: sync log on close: %w", err)
	}
	return l.file.Close()
}

// readLog reads every verifiable record from a log file. The first
// record whose framing or checksum fails is treated as the log tail:
// reading stops there, torn reports true, and everything before it is
// returned. A missing file reads as an empty log.
func readLog(path string) (records []*LogRecord, torn bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: open log %s: %w", path, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)

	for {
		var lengthBuf [4]byte
		if _, err := io.ReadFull(reader, lengthBuf[:]); err != nil {
			if err == io.EOF {
				return records, false, nil
			}
			// Partial length prefix: torn tail.
			return records, true, nil
		}
		length := binary.LittleEndian.Uint32(lengthBuf[:])

		body := make([]byte, 1+int(length)+4)
		if _, err := io.ReadFull(reader, body); err != nil {
			return records, true, nil
		}

		tag := body[0]
		payload := body[1 : 1+length]
		stored := binary.LittleEndian.Uint32(body[1+length:])

		if Checksum([]byte{tag}, payload) != stored {
			return records, true, nil
		}

		rec := &LogRecord{}
		if err := json.Unmarshal(payload, rec); err != nil {
			// Valid checksum but undecodable payload is corruption of a
			// different kind; treat it as the tail too.
			return records, true, nil
		}
		rec.Op = OpTag(tag)

		records = append(records, rec)
	}
}
