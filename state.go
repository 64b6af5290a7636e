package webvh

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the chain head after some number of entries. States are built
// by Genesis, ReplayEntry and Next and are not modified afterwards.
type State struct {
	// Params are the effective parameters; ParamsUpdate is what the entry
	// itself recorded.
	Params       Parameters
	ParamsUpdate Parameters
	Document     Document

	VersionTime    time.Time
	versionTimeRaw string

	VersionID     string
	LastVersionID string
	VersionNumber int

	Proof json.RawMessage
}

func (s *State) SCID() string {
	return s.Params.SCID
}

func (s *State) Deactivated() bool {
	return s.Params.Deactivated != nil && *s.Params.Deactivated
}

// Entry renders the state as its log line.
func (s *State) Entry() LogEntry {
	return LogEntry{
		VersionID:   s.VersionID,
		VersionTime: s.versionTimeRaw,
		Parameters:  s.ParamsUpdate,
		State:       s.Document,
		Proof:       s.Proof,
	}
}

// entryHash hashes the entry as it would read with versionId set to the
// previous versionId (the SCID for the first entry) and no proof.
func (s *State) entryHash() (string, error) {
	return multihashB58(LogEntry{
		VersionID:   s.LastVersionID,
		VersionTime: s.versionTimeRaw,
		Parameters:  s.ParamsUpdate,
		State:       s.Document,
	})
}

func (s *State) seal() error {
	h, err := s.entryHash()
	if err != nil {
		return err
	}
	s.VersionID = fmt.Sprintf("%d-%s", s.VersionNumber, h)
	return nil
}

// Genesis derives the SCID from the preliminary entry, where every SCID
// occurrence is the placeholder, and returns the resolved first version.
func Genesis(params Parameters, doc Document, versionTime string) (*State, error) {
	if err := checkMethod(params.Method); err != nil {
		return nil, err
	}
	if len(params.UpdateKeys) == 0 {
		return nil, ErrMissingUpdateKeys
	}
	if !strings.Contains(doc.ID.String(), SCIDPlaceholder) {
		return nil, fmt.Errorf("%w: genesis document id %q has no SCID placeholder", ErrMalformedIdentifier, doc.ID)
	}
	ts, err := ParseVersionTime(versionTime)
	if err != nil {
		return nil, err
	}

	params.SCID = SCIDPlaceholder
	pre := LogEntry{
		VersionID:   SCIDPlaceholder,
		VersionTime: versionTime,
		Parameters:  params,
		State:       doc,
	}

	scid, err := multihashB58(pre)
	if err != nil {
		return nil, fmt.Errorf("computing scid: %w", err)
	}

	resolved, err := ResolvePlaceholder(pre, scid)
	if err != nil {
		return nil, err
	}

	st := &State{
		Params:         resolved.Parameters,
		ParamsUpdate:   resolved.Parameters,
		Document:       resolved.State,
		VersionTime:    ts,
		versionTimeRaw: versionTime,
		LastVersionID:  scid,
		VersionNumber:  1,
	}
	if err := st.seal(); err != nil {
		return nil, err
	}

	return st, nil
}

// Next derives the entry that follows s. update holds only the parameters
// that change.
func (s *State) Next(doc Document, update Parameters, versionTime string) (*State, error) {
	if s.Deactivated() {
		return nil, ErrDeactivated
	}

	ts, err := ParseVersionTime(versionTime)
	if err != nil {
		return nil, err
	}
	if ts.Before(s.VersionTime) {
		return nil, fmt.Errorf("%w: versionTime %s precedes %s", ErrChainDiscontinuity, versionTime, s.versionTimeRaw)
	}

	params := s.Params.Merge(update)
	if err := checkMethod(params.Method); err != nil {
		return nil, err
	}
	if params.SCID != s.Params.SCID {
		return nil, fmt.Errorf("%w: scid cannot change after genesis", ErrChainDiscontinuity)
	}

	next := &State{
		Params:         params,
		ParamsUpdate:   update,
		Document:       doc,
		VersionTime:    ts,
		versionTimeRaw: versionTime,
		LastVersionID:  s.VersionID,
		VersionNumber:  s.VersionNumber + 1,
	}
	if err := next.seal(); err != nil {
		return nil, err
	}

	return next, nil
}

// ReplayEntry checks that entry follows prev (nil for the first entry)
// and returns the resulting state.
func ReplayEntry(entry LogEntry, prev *State) (*State, error) {
	n, err := entry.VersionNumber()
	if err != nil {
		return nil, err
	}

	want := 1
	if prev != nil {
		want = prev.VersionNumber + 1
	}
	if n != want {
		return nil, fmt.Errorf("%w: version number %d, expected %d", ErrChainDiscontinuity, n, want)
	}

	ts, err := ParseVersionTime(entry.VersionTime)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %d: %v", ErrChainDiscontinuity, n, err)
	}

	st := &State{
		ParamsUpdate:   entry.Parameters,
		Document:       entry.State,
		VersionTime:    ts,
		versionTimeRaw: entry.VersionTime,
		VersionNumber:  n,
		Proof:          entry.Proof,
	}

	if prev == nil {
		if err := checkMethod(entry.Parameters.Method); err != nil {
			return nil, err
		}
		scid := entry.Parameters.SCID
		if scid == "" || scid == SCIDPlaceholder {
			return nil, fmt.Errorf("%w: first entry has no scid", ErrChainDiscontinuity)
		}
		if err := verifySCID(entry, scid); err != nil {
			return nil, err
		}
		st.Params = entry.Parameters
		st.LastVersionID = scid
	} else {
		if prev.Deactivated() {
			return nil, ErrDeactivated
		}
		if ts.Before(prev.VersionTime) {
			return nil, fmt.Errorf("%w: entry %d versionTime precedes entry %d", ErrChainDiscontinuity, n, prev.VersionNumber)
		}
		st.Params = prev.Params.Merge(entry.Parameters)
		if err := checkMethod(st.Params.Method); err != nil {
			return nil, err
		}
		if st.Params.SCID != prev.Params.SCID {
			return nil, fmt.Errorf("%w: entry %d changes the scid", ErrChainDiscontinuity, n)
		}
		st.LastVersionID = prev.VersionID
	}

	if err := st.seal(); err != nil {
		return nil, err
	}
	if st.VersionID != entry.VersionID {
		return nil, fmt.Errorf("%w: entry %d hash mismatch: have %s, computed %s", ErrChainDiscontinuity, n, entry.VersionID, st.VersionID)
	}

	return st, nil
}

func verifySCID(entry LogEntry, scid string) error {
	pre, err := InsertPlaceholder(entry.WithoutProof(), scid)
	if err != nil {
		return err
	}
	pre.VersionID = SCIDPlaceholder

	got, err := multihashB58(pre)
	if err != nil {
		return err
	}
	if got != scid {
		return fmt.Errorf("%w: scid mismatch: have %s, computed %s", ErrChainDiscontinuity, scid, got)
	}
	return nil
}

// ReplayHistory folds entries into the current head. It returns nil for an
// empty history.
func ReplayHistory(entries []LogEntry) (*State, error) {
	var st *State
	for _, e := range entries {
		next, err := ReplayEntry(e, st)
		if err != nil {
			return nil, err
		}
		st = next
	}
	return st, nil
}
