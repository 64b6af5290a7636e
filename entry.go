package webvh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

const (
	MethodPrefix        = "did:webvh:"
	LatestMethodVersion = "1.0"
)

var SupportedMethodVersions = []string{"0.5", "1.0"}

// MethodForVersion maps a protocol version such as "1.0" to its method
// parameter value.
func MethodForVersion(version string) (string, error) {
	if !slices.Contains(SupportedMethodVersions, version) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethodVersion, version)
	}
	return MethodPrefix + version, nil
}

func checkMethod(method string) error {
	v, ok := strings.CutPrefix(method, MethodPrefix)
	if !ok || !slices.Contains(SupportedMethodVersions, v) {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethodVersion, method)
	}
	return nil
}

type Parameters struct {
	SCID          string   `json:"scid,omitempty"`
	Method        string   `json:"method,omitempty"`
	UpdateKeys    []string `json:"updateKeys,omitempty"`
	NextKeyHashes []string `json:"nextKeyHashes,omitempty"`
	Portable      *bool    `json:"portable,omitempty"`
	Deactivated   *bool    `json:"deactivated,omitempty"`
	TTL           *int     `json:"ttl,omitempty"`

	// Extra holds parameters not modelled above, such as witness and
	// watchers, so they are hashed and signed as written.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownParameterFields = []string{"scid", "method", "updateKeys", "nextKeyHashes", "portable", "deactivated", "ttl"}

type parameterFields Parameters

func (p Parameters) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(parameterFields(p), p.Extra)
}

func (p *Parameters) UnmarshalJSON(b []byte) error {
	var fields parameterFields
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	extra, err := unknownMembers(b, knownParameterFields)
	if err != nil {
		return err
	}
	fields.Extra = extra

	*p = Parameters(fields)
	return nil
}

// Merge overlays the fields set in update onto p.
func (p Parameters) Merge(update Parameters) Parameters {
	out := p
	if update.SCID != "" {
		out.SCID = update.SCID
	}
	if update.Method != "" {
		out.Method = update.Method
	}
	if len(update.UpdateKeys) > 0 {
		out.UpdateKeys = update.UpdateKeys
	}
	if len(update.NextKeyHashes) > 0 {
		out.NextKeyHashes = update.NextKeyHashes
	}
	if update.Portable != nil {
		out.Portable = update.Portable
	}
	if update.Deactivated != nil {
		out.Deactivated = update.Deactivated
	}
	if update.TTL != nil {
		out.TTL = update.TTL
	}
	if len(update.Extra) > 0 {
		out.Extra = make(map[string]json.RawMessage, len(p.Extra)+len(update.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
		for k, v := range update.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Delta returns the fields of p that are set and differ from base, which
// is what a non-genesis entry records.
func (p Parameters) Delta(base Parameters) Parameters {
	var out Parameters
	if p.SCID != "" && p.SCID != base.SCID {
		out.SCID = p.SCID
	}
	if p.Method != "" && p.Method != base.Method {
		out.Method = p.Method
	}
	if len(p.UpdateKeys) > 0 && !slices.Equal(p.UpdateKeys, base.UpdateKeys) {
		out.UpdateKeys = p.UpdateKeys
	}
	if len(p.NextKeyHashes) > 0 && !slices.Equal(p.NextKeyHashes, base.NextKeyHashes) {
		out.NextKeyHashes = p.NextKeyHashes
	}
	if p.Portable != nil && (base.Portable == nil || *p.Portable != *base.Portable) {
		out.Portable = p.Portable
	}
	if p.Deactivated != nil && (base.Deactivated == nil || *p.Deactivated != *base.Deactivated) {
		out.Deactivated = p.Deactivated
	}
	if p.TTL != nil && (base.TTL == nil || *p.TTL != *base.TTL) {
		out.TTL = p.TTL
	}
	for k, v := range p.Extra {
		if old, ok := base.Extra[k]; ok && sameJSON(old, v) {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[k] = v
	}
	return out
}

func sameJSON(a, b json.RawMessage) bool {
	ca, err := jcs.Transform(a)
	if err != nil {
		return false
	}
	cb, err := jcs.Transform(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// LogEntry is one line of did.jsonl. The same shape is used for the scid
// input and the draft entry while they are being prepared.
type LogEntry struct {
	VersionID   string          `json:"versionId"`
	VersionTime string          `json:"versionTime"`
	Parameters  Parameters      `json:"parameters"`
	State       Document        `json:"state"`
	Proof       json.RawMessage `json:"proof,omitempty"`
}

func ParseLogEntry(b []byte) (LogEntry, error) {
	var e LogEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return LogEntry{}, fmt.Errorf("parsing log entry: %w", err)
	}
	return e, nil
}

// VersionNumber is the integer before the dash in versionId.
func (e LogEntry) VersionNumber() (int, error) {
	num, _, ok := strings.Cut(e.VersionID, "-")
	if !ok {
		return 0, fmt.Errorf("%w: versionId %q has no version number", ErrChainDiscontinuity, e.VersionID)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: versionId %q has no version number", ErrChainDiscontinuity, e.VersionID)
	}
	return n, nil
}

func (e LogEntry) WithoutProof() LogEntry {
	e.Proof = nil
	return e
}

func (e LogEntry) Signed() bool {
	return len(e.Proof) > 0 && string(e.Proof) != "null"
}

// FormatVersionTime renders t the way versionTime is written: UTC, whole
// seconds, RFC 3339.
func FormatVersionTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func ParseVersionTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid versionTime %q: %w", s, err)
	}
	return t, nil
}
