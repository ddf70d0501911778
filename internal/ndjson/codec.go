// Package ndjson reads and writes newline-delimited JSON. It backs the event
// log, agent transcripts and the fake agent's output.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// MaxMessageSize is the maximum NDJSON message size (256 KiB)
const MaxMessageSize = 256 * 1024

// Encoder writes NDJSON messages to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a message as a single JSON line
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize,
			"overflow", len(data)-MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately so tailing readers see whole lines
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

var (
	// ErrLineTooLong marks a line longer than the decoder's limit. The rest of
	// the line has been discarded, so the caller may keep reading.
	ErrLineTooLong = errors.New("ndjson line exceeds size limit")
	// ErrMalformed marks a line that is not valid JSON for the target value.
	ErrMalformed = errors.New("malformed ndjson line")
)

// Skippable reports whether err concerns a single line only. Any other
// non-EOF error from Decode comes from the underlying reader and is final.
func Skippable(err error) bool {
	return errors.Is(err, ErrLineTooLong) || errors.Is(err, ErrMalformed)
}

// Decoder reads NDJSON messages from an input stream
type Decoder struct {
	reader  *bufio.Reader
	logger  *slog.Logger
	limit   int
	line    []byte
	lineNum int
}

// NewDecoder creates a new NDJSON decoder limited to MaxMessageSize per line
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	return NewDecoderSize(r, logger, MaxMessageSize)
}

// NewDecoderSize creates a decoder that accepts lines of up to limit bytes.
func NewDecoderSize(r io.Reader, logger *slog.Logger, limit int) *Decoder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if limit <= 0 {
		limit = MaxMessageSize
	}
	return &Decoder{
		reader: bufio.NewReaderSize(r, 64*1024),
		logger: logger,
		limit:  limit,
	}
}

// Line returns the number of the last line read.
func (d *Decoder) Line() int {
	return d.lineNum
}

// readLine returns the next line without its terminator. Oversized lines are
// consumed up to the newline and reported as ErrLineTooLong.
func (d *Decoder) readLine() ([]byte, error) {
	d.line = d.line[:0]
	read := 0
	tooLong := false

	for {
		chunk, err := d.reader.ReadSlice('\n')
		read += len(chunk)
		if !tooLong {
			if len(d.line)+len(chunk) > d.limit+2 {
				tooLong = true
				d.line = d.line[:0]
			} else {
				d.line = append(d.line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if read == 0 {
				return nil, io.EOF
			}
			break
		}
		if err != nil {
			return nil, err
		}
		break
	}

	d.lineNum++
	if tooLong {
		return nil, fmt.Errorf("line %d: %w (%d bytes, limit %d)", d.lineNum, ErrLineTooLong, read, d.limit)
	}
	data := bytes.TrimSuffix(d.line, []byte("\n"))
	data = bytes.TrimSuffix(data, []byte("\r"))
	if len(data) > d.limit {
		return nil, fmt.Errorf("line %d: %w (%d bytes, limit %d)", d.lineNum, ErrLineTooLong, len(data), d.limit)
	}
	return data, nil
}

// Decode reads the next non-empty NDJSON message into v. It returns io.EOF
// at end of input. Errors matching Skippable leave the decoder positioned
// after the offending line, so callers may skip it and keep reading.
func (d *Decoder) Decode(v any) error {
	for {
		data, err := d.readLine()
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if errors.Is(err, ErrLineTooLong) {
			d.logger.Debug("skipping oversized line", "line", d.lineNum, "limit", d.limit)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to read line %d: %w", d.lineNum+1, err)
		}
		if len(data) == 0 {
			continue
		}

		if err := json.Unmarshal(data, v); err != nil {
			d.logger.Debug("failed to unmarshal JSON",
				"line", d.lineNum,
				"error", err,
				"data", string(data[:min(100, len(data))]))
			return fmt.Errorf("%w: failed to unmarshal line %d: %w", ErrMalformed, d.lineNum, err)
		}
		return nil
	}
}

// DecodeTyped reads the next message and returns its "type" field together
// with the raw line, for streams that mix several record shapes.
func (d *Decoder) DecodeTyped() (string, json.RawMessage, error) {
	var raw json.RawMessage
	if err := d.Decode(&raw); err != nil {
		return "", nil, err
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", nil, fmt.Errorf("%w: line %d: record is not an object: %w", ErrMalformed, d.lineNum, err)
	}
	return envelope.Type, raw, nil
}
