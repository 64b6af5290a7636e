// Package store holds the staged artifacts of a did:webvh log under
// construction: a handful of named JSON documents and the append-only
// did.jsonl history.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Artifact keys, one per pipeline stage output.
const (
	DID           = "did"
	Parameters    = "parameters"
	SCIDInput     = "scid_input"
	DraftLogEntry = "draft_log_entry"
	LogEntry      = "log_entry"
)

// HistoryFile is the name of the append-only log.
const HistoryFile = "did.jsonl"

var Artifacts = []string{DID, Parameters, SCIDInput, DraftLogEntry, LogEntry}

// ErrNotFound is returned by Get for an artifact that is absent or empty.
var ErrNotFound = errors.New("artifact not found")

// ArtifactStore is not safe for concurrent writers; callers serialize
// pipeline invocations against a given store.
type ArtifactStore interface {
	// Get returns the stored JSON for key.
	Get(key string) ([]byte, error)

	// Put replaces the artifact under key and returns the bytes written.
	Put(key string, v any) ([]byte, error)

	// History returns the log lines in order.
	History() ([][]byte, error)

	// AppendLogLine writes v as one compact JSON line at the end of the log.
	AppendLogLine(v any) error

	// Reset empties every artifact and the log.
	Reset() error
}

// Encode renders an artifact the way it is stored: indented JSON.
func Encode(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "    ")
}

func encodeLine(v any) ([]byte, error) {
	// json.Marshal output is compact and escapes newlines inside strings
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func splitLines(b []byte) [][]byte {
	var lines [][]byte
	for _, l := range bytes.Split(b, []byte("\n")) {
		l = bytes.TrimSpace(l)
		if len(l) > 0 {
			lines = append(lines, l)
		}
	}
	return lines
}
