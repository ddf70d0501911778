// Package idempotency derives deterministic keys from structured data: the
// fingerprint that deduplicates learned plan templates and the key that keeps
// schedule generation from creating the same job twice.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CanonicalJSON converts a value to deterministic JSON. Structs are first
// flattened to generic maps so field order never matters, then marshaled with
// sorted keys and no insignificant whitespace.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	// UseNumber keeps large integers exact through the round trip
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}

	// encoding/json sorts map keys
	data, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// StepSignature is the part of a plan step that identifies what it does.
// Expected outcomes and ordering are not part of the signature.
type StepSignature struct {
	Action   string `json:"action"`
	Tool     string `json:"tool,omitempty"`
	StepType string `json:"step_type"`
}

// TemplateHash fingerprints an ordered list of steps. Actions are compared
// case- and whitespace-insensitively.
// Returns: "tpl:" + hex-encoded SHA256
func TemplateHash(steps []StepSignature) (string, error) {
	normalized := make([]StepSignature, len(steps))
	for i, s := range steps {
		normalized[i] = StepSignature{
			Action:   normalizeText(s.Action),
			Tool:     normalizeText(s.Tool),
			StepType: normalizeText(s.StepType),
		}
	}

	data, err := CanonicalJSON(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize steps: %w", err)
	}

	hash := sha256.Sum256(data)
	return "tpl:" + hex.EncodeToString(hash[:]), nil
}

// JobKey identifies one plan step scheduled for one task.
// Format: job = SHA256(project_id + '\n' + task_id + '\n' + plan_id + '\n' + step_order)
// Returns: "job:" + hex-encoded SHA256
func JobKey(projectID, taskID, planID string, stepOrder int) string {
	hashInput := projectID + "\n" +
		taskID + "\n" +
		planID + "\n" +
		strconv.Itoa(stepOrder)

	hash := sha256.Sum256([]byte(hashInput))
	return "job:" + hex.EncodeToString(hash[:])
}

// RecurrenceKey identifies the follow-up occurrence of a recurring job so a
// retried completion cannot enqueue the same occurrence twice.
func RecurrenceKey(parentKey string, runAt string) string {
	hash := sha256.Sum256([]byte(parentKey + "\n" + runAt))
	return "rec:" + hex.EncodeToString(hash[:])
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
