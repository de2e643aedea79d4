// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/testfloor/station/lib/codec"
)

// Compression identifies the algorithm used for an export stream.
type Compression uint8

const (
	// CompressionNone writes the raw CBOR record stream.
	CompressionNone Compression = iota

	// CompressionZstd wraps the stream in a zstd frame. Best ratio
	// for the text-heavy payloads the log actually holds.
	CompressionZstd

	// CompressionLZ4 wraps the stream in an LZ4 frame. Cheaper on
	// low-end station hardware.
	CompressionLZ4
)

// String returns the name of a compression choice.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("eventlog: unknown compression %q", name)
	}
}

// ExportRecord is the archival form of one entry: a self-delimiting
// CBOR map, so an export stream is a plain concatenation of records.
type ExportRecord struct {
	Seq     int64            `cbor:"seq"`
	ID      string           `cbor:"id"`
	Time    int64            `cbor:"time"`
	Kind    string           `cbor:"kind"`
	Payload codec.RawMessage `cbor:"payload"`
}

// Export streams every entry to w as compressed CBOR records, in
// sequence order. The caller owns w; Export flushes its compressor
// before returning but does not close w.
func (l *Log) Export(w io.Writer, compression Compression) error {
	var (
		sink   io.Writer
		finish func() error
	)
	switch compression {
	case CompressionNone:
		sink = w
		finish = func() error { return nil }
	case CompressionZstd:
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("eventlog: creating zstd writer: %w", err)
		}
		sink = encoder
		finish = encoder.Close
	case CompressionLZ4:
		encoder := lz4.NewWriter(w)
		sink = encoder
		finish = encoder.Close
	default:
		return fmt.Errorf("eventlog: unknown compression %v", compression)
	}

	exported := 0
	err := l.Entries(func(entry Entry) error {
		record, err := codec.Marshal(ExportRecord{
			Seq:     entry.Seq,
			ID:      entry.ID,
			Time:    entry.Time.UnixNano(),
			Kind:    entry.Kind,
			Payload: codec.RawMessage(entry.Payload),
		})
		if err != nil {
			return fmt.Errorf("encoding record %d: %w", entry.Seq, err)
		}
		if _, err := sink.Write(record); err != nil {
			return fmt.Errorf("writing record %d: %w", entry.Seq, err)
		}
		exported++
		return nil
	})
	if err != nil {
		finish()
		return fmt.Errorf("eventlog: export: %w", err)
	}
	if err := finish(); err != nil {
		return fmt.Errorf("eventlog: finishing %s stream: %w", compression, err)
	}

	l.logger.Info("event log exported",
		"entries", exported,
		"compression", compression.String(),
	)
	return nil
}
