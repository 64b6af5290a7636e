package webvh

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var testTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ts(offset time.Duration) string {
	return FormatVersionTime(testTime.Add(offset))
}

func testUpdateKey(t *testing.T) string {
	t.Helper()
	sk, err := GeneratePrivKey(KeyTypeEd25519)
	if err != nil {
		t.Fatal(err)
	}
	return sk.Public().MultibaseString()
}

func testGenesisInput(t *testing.T) (Parameters, Document) {
	t.Helper()

	doc, err := InsertPlaceholder(Document{
		Context: []string{CtxDIDv1},
		ID:      DID{val: "did:web:example.com"},
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	params := Parameters{
		SCID:       SCIDPlaceholder,
		Method:     "did:webvh:1.0",
		UpdateKeys: []string{testUpdateKey(t)},
	}
	return params, doc
}

func TestGenesisIsDeterministic(t *testing.T) {
	params, doc := testGenesisInput(t)

	a, err := Genesis(params, doc, ts(0))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Genesis(params, doc, ts(0))
	if err != nil {
		t.Fatal(err)
	}
	if a.SCID() != b.SCID() || a.VersionID != b.VersionID {
		t.Fatal("genesis is not deterministic")
	}

	c, err := Genesis(params, doc, ts(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if c.SCID() == a.SCID() {
		t.Fatal("scid should depend on versionTime")
	}

	if !strings.HasPrefix(a.VersionID, "1-") {
		t.Fatalf("genesis versionId should start with 1-, got %s", a.VersionID)
	}
	if a.Document.ID.String() != "did:webvh:"+a.SCID()+":example.com" {
		t.Fatalf("placeholder not resolved in id: %s", a.Document.ID)
	}
	if a.Params.SCID != a.SCID() || strings.Contains(a.SCID(), SCIDPlaceholder) {
		t.Fatalf("bad scid parameter %q", a.Params.SCID)
	}
}

func TestGenesisRejectsBadInput(t *testing.T) {
	params, doc := testGenesisInput(t)

	bad := params
	bad.Method = "did:webvh:0.3"
	if _, err := Genesis(bad, doc, ts(0)); !errors.Is(err, ErrUnsupportedMethodVersion) {
		t.Fatalf("expected ErrUnsupportedMethodVersion, got %v", err)
	}

	bad = params
	bad.UpdateKeys = nil
	if _, err := Genesis(bad, doc, ts(0)); !errors.Is(err, ErrMissingUpdateKeys) {
		t.Fatalf("expected ErrMissingUpdateKeys, got %v", err)
	}

	resolved := doc
	resolved.ID = DID{val: "did:web:example.com"}
	if _, err := Genesis(params, resolved, ts(0)); !errors.Is(err, ErrMalformedIdentifier) {
		t.Fatalf("expected ErrMalformedIdentifier, got %v", err)
	}

	if _, err := Genesis(params, doc, "yesterday"); err == nil {
		t.Fatal("expected error for bad versionTime")
	}
}

func buildChain(t *testing.T, n int) []LogEntry {
	t.Helper()

	params, doc := testGenesisInput(t)
	st, err := Genesis(params, doc, ts(0))
	if err != nil {
		t.Fatal(err)
	}

	entries := []LogEntry{st.Entry()}
	for i := 1; i < n; i++ {
		next := AppendVerificationMethod(st.Document, NewMultikeyMethod(st.Document.ID.String(), testUpdateKey(t)))
		st, err = st.Next(next, Parameters{}, ts(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, st.Entry())
	}
	return entries
}

func TestReplayHistory(t *testing.T) {
	entries := buildChain(t, 4)

	for i, e := range entries {
		n, err := e.VersionNumber()
		if err != nil {
			t.Fatal(err)
		}
		if n != i+1 {
			t.Fatalf("entry %d has version number %d", i, n)
		}
	}

	head, err := ReplayHistory(entries)
	if err != nil {
		t.Fatal(err)
	}
	if head.VersionID != entries[3].VersionID || head.VersionNumber != 4 {
		t.Fatalf("unexpected head %s", head.VersionID)
	}
	if head.LastVersionID != entries[2].VersionID {
		t.Fatal("head is not linked to its predecessor")
	}
	if len(head.Document.VerificationMethod) != 3 {
		t.Fatalf("expected 3 verification methods, got %d", len(head.Document.VerificationMethod))
	}

	empty, err := ReplayHistory(nil)
	if err != nil || empty != nil {
		t.Fatalf("empty history should replay to nil, got %v %v", empty, err)
	}
}

func TestReplaySurvivesSerialization(t *testing.T) {
	entries := buildChain(t, 3)

	var parsed []LogEntry
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		pe, err := ParseLogEntry(b)
		if err != nil {
			t.Fatal(err)
		}
		parsed = append(parsed, pe)
	}

	if _, err := ReplayHistory(parsed); err != nil {
		t.Fatal(err)
	}
}

func TestEarlierChangeChangesLaterVersionIDs(t *testing.T) {
	params, doc := testGenesisInput(t)

	other := doc
	other.Context = append([]string{}, doc.Context...)
	other.Context = append(other.Context, CtxMultikeyV1)

	chain := func(d Document) []string {
		st, err := Genesis(params, d, ts(0))
		if err != nil {
			t.Fatal(err)
		}
		ids := []string{st.VersionID}
		for i := 1; i < 3; i++ {
			st, err = st.Next(st.Document, Parameters{}, ts(time.Duration(i)*time.Minute))
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, st.VersionID)
		}
		return ids
	}

	a, b := chain(doc), chain(other)
	for i := range a {
		if a[i] == b[i] {
			t.Fatalf("entry %d versionId unchanged after modifying genesis", i+1)
		}
	}
}

func TestReplayDetectsDiscontinuity(t *testing.T) {
	entries := buildChain(t, 3)

	gap := []LogEntry{entries[0], entries[2]}
	if _, err := ReplayHistory(gap); !errors.Is(err, ErrChainDiscontinuity) {
		t.Fatalf("expected ErrChainDiscontinuity for gap, got %v", err)
	}

	tampered := append([]LogEntry{}, entries...)
	tampered[1].State.AlsoKnownAs = []string{"did:web:evil.example"}
	if _, err := ReplayHistory(tampered); !errors.Is(err, ErrChainDiscontinuity) {
		t.Fatalf("expected ErrChainDiscontinuity for tampered state, got %v", err)
	}

	relinked := append([]LogEntry{}, entries...)
	relinked[2].VersionID = "3-" + strings.SplitN(entries[1].VersionID, "-", 2)[1]
	if _, err := ReplayHistory(relinked); !errors.Is(err, ErrChainDiscontinuity) {
		t.Fatalf("expected ErrChainDiscontinuity for wrong hash, got %v", err)
	}

	badSCID := append([]LogEntry{}, entries...)
	badSCID[0].Parameters.SCID = "QmNotTheRightScid"
	if _, err := ReplayHistory(badSCID); !errors.Is(err, ErrChainDiscontinuity) {
		t.Fatalf("expected ErrChainDiscontinuity for scid mismatch, got %v", err)
	}

	backwards := append([]LogEntry{}, entries...)
	backwards[1].VersionTime = ts(-time.Hour)
	if _, err := ReplayHistory(backwards); !errors.Is(err, ErrChainDiscontinuity) {
		t.Fatalf("expected ErrChainDiscontinuity for time regression, got %v", err)
	}
}

func TestReplayRejectsUnsupportedMethod(t *testing.T) {
	entries := buildChain(t, 1)
	entries[0].Parameters.Method = "did:webvh:9.9"

	if _, err := ReplayHistory(entries); !errors.Is(err, ErrUnsupportedMethodVersion) {
		t.Fatalf("expected ErrUnsupportedMethodVersion, got %v", err)
	}
}

func TestNextRecordsParameterDelta(t *testing.T) {
	params, doc := testGenesisInput(t)
	st, err := Genesis(params, doc, ts(0))
	if err != nil {
		t.Fatal(err)
	}

	newKey := testUpdateKey(t)
	full := st.Params
	full.UpdateKeys = []string{newKey}

	entry, err := BuildNext([]LogEntry{st.Entry()}, full, st.Document, ts(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if entry.Parameters.SCID != "" || entry.Parameters.Method != "" {
		t.Fatalf("unchanged parameters recorded: %+v", entry.Parameters)
	}
	if len(entry.Parameters.UpdateKeys) != 1 || entry.Parameters.UpdateKeys[0] != newKey {
		t.Fatalf("update key rotation not recorded: %+v", entry.Parameters)
	}

	head, err := ReplayHistory([]LogEntry{st.Entry(), entry})
	if err != nil {
		t.Fatal(err)
	}
	if head.Params.SCID != st.SCID() || head.Params.UpdateKeys[0] != newKey {
		t.Fatalf("effective parameters not merged: %+v", head.Params)
	}
}

func TestBuildNextNeedsHistory(t *testing.T) {
	params, doc := testGenesisInput(t)
	if _, err := BuildNext(nil, params, doc, ts(0)); !errors.Is(err, ErrEmptyHistory) {
		t.Fatalf("expected ErrEmptyHistory, got %v", err)
	}
}

func TestBuildNextRejectsMethodDowngradeToUnknown(t *testing.T) {
	entries := buildChain(t, 1)
	head, err := ReplayHistory(entries)
	if err != nil {
		t.Fatal(err)
	}

	params := head.Params
	params.Method = "did:webvh:2.0"
	if _, err := BuildNext(entries, params, head.Document, ts(time.Minute)); !errors.Is(err, ErrUnsupportedMethodVersion) {
		t.Fatalf("expected ErrUnsupportedMethodVersion, got %v", err)
	}
}

func TestNoEntriesAfterDeactivation(t *testing.T) {
	entries := buildChain(t, 1)
	head, err := ReplayHistory(entries)
	if err != nil {
		t.Fatal(err)
	}

	yes := true
	deact, err := head.Next(head.Document, Parameters{Deactivated: &yes}, ts(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := deact.Next(deact.Document, Parameters{}, ts(2*time.Minute)); !errors.Is(err, ErrDeactivated) {
		t.Fatalf("expected ErrDeactivated, got %v", err)
	}
}

func TestParameterExtrasMergeAndDelta(t *testing.T) {
	base := Parameters{
		Method: "did:webvh:1.0",
		Extra:  map[string]json.RawMessage{"watchers": json.RawMessage(`["https://a.example"]`)},
	}

	same := Parameters{Extra: map[string]json.RawMessage{"watchers": json.RawMessage(`[ "https://a.example" ]`)}}
	if d := same.Delta(base); d.Extra != nil {
		t.Fatalf("unchanged extra recorded: %v", d.Extra)
	}

	update := Parameters{Extra: map[string]json.RawMessage{"witness": json.RawMessage(`{"threshold":1}`)}}
	d := base.Merge(update).Delta(base)
	if len(d.Extra) != 1 || string(d.Extra["witness"]) != `{"threshold":1}` {
		t.Fatalf("bad delta %v", d.Extra)
	}

	merged := base.Merge(update)
	if len(merged.Extra) != 2 || len(base.Extra) != 1 {
		t.Fatalf("merge should add to a copy: merged %v base %v", merged.Extra, base.Extra)
	}
}
