package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/machPoint/pm-net/internal/ndjson"
)

// transcriptLine is one record of an agent session transcript. Runtimes
// disagree on the id field name, so all three spellings are accepted.
type transcriptLine struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	CallID     string          `json:"call_id"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Result     json.RawMessage `json:"result"`
	Error      json.RawMessage `json:"error"`
}

func (l transcriptLine) callID() string {
	switch {
	case l.ID != "":
		return l.ID
	case l.CallID != "":
		return l.CallID
	default:
		return l.ToolCallID
	}
}

// maxTranscriptLine bounds one transcript record. Tool results routinely
// carry whole files, so it is far above ndjson.MaxMessageSize.
const maxTranscriptLine = 16 << 20

// ExtractToolCalls reads a JSON-lines transcript and pairs tool_result records
// to their tool_call by id. Results are truncated to MaxToolResultBytes.
// Malformed or oversized lines and other record types are skipped.
func ExtractToolCalls(r io.Reader, logger *slog.Logger) ([]ToolCall, error) {
	return extractToolCalls(r, logger, maxTranscriptLine)
}

func extractToolCalls(r io.Reader, logger *slog.Logger, lineLimit int) ([]ToolCall, error) {
	decoder := ndjson.NewDecoderSize(r, logger, lineLimit)

	var calls []ToolCall
	index := make(map[string]int)

	for {
		kind, raw, err := decoder.DecodeTyped()
		if errors.Is(err, io.EOF) {
			break
		}
		if ndjson.Skippable(err) {
			continue
		}
		if err != nil {
			return calls, fmt.Errorf("failed to read transcript: %w", err)
		}
		if kind != "tool_call" && kind != "tool_result" {
			continue
		}

		var line transcriptLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		id := line.callID()

		switch kind {
		case "tool_call":
			call := ToolCall{ID: id, Name: line.Name, Arguments: decodeArguments(line.Arguments)}
			// An inline result is allowed on the call record itself.
			call.Result = Truncate(rawText(line.Result), MaxToolResultBytes)
			call.Error = rawText(line.Error)
			if id != "" {
				index[id] = len(calls)
			}
			calls = append(calls, call)

		case "tool_result":
			i, ok := index[id]
			if !ok {
				continue
			}
			calls[i].Result = Truncate(rawText(line.Result), MaxToolResultBytes)
			if e := rawText(line.Error); e != "" {
				calls[i].Error = e
			}
			if calls[i].Name == "" {
				calls[i].Name = line.Name
			}
		}
	}

	return calls, nil
}

// ReadTranscript extracts tool calls from the transcript at path. A missing
// file yields no calls and no error.
func ReadTranscript(path string, logger *slog.Logger) ([]ToolCall, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()
	return ExtractToolCalls(f, logger)
}

func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	// Some runtimes send arguments as a JSON-encoded string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &args); err == nil {
			return args
		}
		return map[string]any{"input": s}
	}
	return map[string]any{"input": string(raw)}
}

// rawText renders a JSON value as text: strings unquoted, everything else as
// compact JSON.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
