package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whyrusleeping/go-webvh"
	"github.com/whyrusleeping/go-webvh/agent"
	"github.com/whyrusleeping/go-webvh/store"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testAgent(t *testing.T) *agent.Client {
	t.Helper()

	e := echo.New()
	agent.NewServer().Register(e)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	c, err := agent.NewClient(ts.URL, agent.WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	return c
}

func newTestPipeline(t *testing.T, st store.ArtifactStore, ag Agent) *Pipeline {
	t.Helper()
	return New(st, ag,
		WithClock(func() time.Time { return testNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func loadDocument(t *testing.T, st store.ArtifactStore) webvh.Document {
	t.Helper()

	b, err := st.Get(store.DID)
	require.NoError(t, err)

	var doc webvh.Document
	require.NoError(t, json.Unmarshal(b, &doc))
	return doc
}

func TestManualFlow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPipeline(t, st, testAgent(t))

	doc, err := p.Configure(ctx, "https://example.com", false)
	require.NoError(t, err)
	assert.Equal(t, "did:webvh:{SCID}:example.com", doc.ID.String())

	params, err := p.SetParameters(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, "did:webvh:1.0", params.Method)
	assert.Equal(t, webvh.SCIDPlaceholder, params.SCID)
	require.Len(t, params.UpdateKeys, 1)

	input, err := p.PrepareSCIDInput("")
	require.NoError(t, err)
	assert.Equal(t, webvh.SCIDPlaceholder, input.VersionID)
	assert.Equal(t, "2025-03-01T12:00:00Z", input.VersionTime)

	scid, draft, err := p.ComputeSCID()
	require.NoError(t, err)
	assert.NotEmpty(t, scid)
	assert.True(t, strings.HasPrefix(draft.VersionID, "1-"))
	assert.Equal(t, "did:webvh:"+scid+":example.com", draft.State.ID.String())

	first, err := p.FinalizeVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, draft.VersionID, first.VersionID)

	_, err = p.CommitEntry()
	assert.ErrorIs(t, err, ErrUnsigned)

	signed, err := p.SignEntry(ctx, "")
	require.NoError(t, err)
	assert.True(t, signed.Signed())

	res, err := p.CommitEntry()
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 1, res.VersionNumber)

	vm, withVM, err := p.AddVerificationMethod(ctx, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(vm.ID, "did:webvh:"+scid+":example.com#z6Mk"))
	assert.Contains(t, withVM.State.Authentication, vm.ID)
	assert.Contains(t, withVM.State.AssertionMethod, vm.ID)

	second, err := p.FinalizeVersion(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(second.VersionID, "2-"))
	assert.Empty(t, second.Parameters.UpdateKeys)

	_, err = p.SignEntry(ctx, "")
	require.NoError(t, err)

	res, err = p.CommitEntry()
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 2, res.VersionNumber)

	published := loadDocument(t, st)
	assert.Equal(t, "did:web:example.com", published.ID.String())
	assert.Equal(t, []string{"did:webvh:" + scid + ":example.com"}, published.AlsoKnownAs)
	require.Len(t, published.VerificationMethod, 1)
	assert.Equal(t, "did:web:example.com", published.VerificationMethod[0].Controller)

	head, err := p.VerifyHistory()
	require.NoError(t, err)
	assert.Equal(t, 2, head.VersionNumber)
	assert.Equal(t, second.VersionID, head.VersionID)
	assert.Equal(t, scid, head.SCID())
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPipeline(t, st, testAgent(t))

	_, err := p.Configure(ctx, "https://example.com/users/alice", false)
	require.NoError(t, err)
	_, err = p.SetParameters(ctx, "0.5", "")
	require.NoError(t, err)
	_, err = p.PrepareSCIDInput("2025-01-01T00:00:00Z")
	require.NoError(t, err)
	_, _, err = p.ComputeSCID()
	require.NoError(t, err)
	_, err = p.FinalizeVersion(ctx)
	require.NoError(t, err)
	_, err = p.SignEntry(ctx, "")
	require.NoError(t, err)

	res, err := p.CommitEntry()
	require.NoError(t, err)
	assert.True(t, res.Committed)

	res, err = p.CommitEntry()
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, 1, res.VersionNumber)
	assert.Equal(t, "did:web:example.com:users:alice", res.Document.ID.String())

	lines, err := st.History()
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestAutomatedConfigure(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	p := newTestPipeline(t, st, testAgent(t))

	doc, err := p.Configure(ctx, "https://example.com", true)
	require.NoError(t, err)
	assert.Equal(t, "did:web:example.com", doc.ID.String())
	require.Len(t, doc.AlsoKnownAs, 1)
	assert.True(t, strings.HasPrefix(doc.AlsoKnownAs[0], "did:webvh:"))
	assert.True(t, doc.HasContext(webvh.CtxMultikeyV1))

	assert.Equal(t, doc.ID, loadDocument(t, st).ID)

	head, err := p.VerifyHistory()
	require.NoError(t, err)
	assert.Equal(t, 2, head.VersionNumber)
	assert.Equal(t, doc.AlsoKnownAs[0], head.Document.ID.String())

	// running it again starts over
	_, err = p.Configure(ctx, "https://example.org", false)
	require.NoError(t, err)
	lines, err := st.History()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestMissingPrerequisites(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, store.NewMemoryStore(), testAgent(t))

	_, err := p.PrepareSCIDInput("")
	assert.ErrorIs(t, err, ErrPrerequisiteMissing)

	_, _, err = p.ComputeSCID()
	assert.ErrorIs(t, err, ErrPrerequisiteMissing)

	_, _, err = p.AddVerificationMethod(ctx, "")
	assert.ErrorIs(t, err, ErrPrerequisiteMissing)

	_, err = p.FinalizeVersion(ctx)
	assert.ErrorIs(t, err, ErrPrerequisiteMissing)

	_, err = p.SignEntry(ctx, "")
	assert.ErrorIs(t, err, ErrPrerequisiteMissing)

	_, err = p.CommitEntry()
	assert.ErrorIs(t, err, ErrPrerequisiteMissing)

	_, err = p.VerifyHistory()
	assert.ErrorIs(t, err, webvh.ErrEmptyHistory)
}

func TestUsageErrors(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPipeline(t, st, testAgent(t))

	_, err := p.Configure(ctx, "", false)
	assert.ErrorIs(t, err, ErrUsage)

	_, err = p.Configure(ctx, "http://example.com", false)
	assert.ErrorIs(t, err, ErrUsage)

	_, err = p.SetParameters(ctx, "0.4", "")
	assert.ErrorIs(t, err, ErrUsage)
	assert.ErrorIs(t, err, webvh.ErrUnsupportedMethodVersion)

	_, err = p.SetParameters(ctx, "1.0", "not-a-key")
	assert.ErrorIs(t, err, ErrUsage)

	_, err = st.Get(store.Parameters)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Get(store.DID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = p.PrepareSCIDInput("yesterday")
	assert.ErrorIs(t, err, ErrUsage)
}

func TestCommitRejectsGap(t *testing.T) {
	st := store.NewMemoryStore()
	p := newTestPipeline(t, st, testAgent(t))

	_, err := st.Put(store.LogEntry, webvh.LogEntry{
		VersionID:   "3-QmFuture",
		VersionTime: "2025-03-01T12:00:00Z",
		Proof:       json.RawMessage(`{"type":"DataIntegrityProof"}`),
	})
	require.NoError(t, err)

	_, err = p.CommitEntry()
	assert.ErrorIs(t, err, webvh.ErrChainDiscontinuity)

	lines, err := st.History()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestVerifyHistoryRejectsForeignKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPipeline(t, st, testAgent(t))

	_, err := p.Configure(ctx, "https://example.com", false)
	require.NoError(t, err)
	_, err = p.SetParameters(ctx, "", "")
	require.NoError(t, err)
	_, err = p.PrepareSCIDInput("")
	require.NoError(t, err)
	_, _, err = p.ComputeSCID()
	require.NoError(t, err)
	_, err = p.FinalizeVersion(ctx)
	require.NoError(t, err)

	other, err := p.GenerateKey(ctx)
	require.NoError(t, err)
	_, err = p.SignEntry(ctx, other)
	require.NoError(t, err)

	_, err = p.CommitEntry()
	require.NoError(t, err)

	_, err = p.VerifyHistory()
	assert.ErrorIs(t, err, webvh.ErrInvalidProof)
}

type failingAgent struct {
	err error
}

func (f failingAgent) CreateKey(context.Context, string) (string, error) {
	return "", f.err
}

func (f failingAgent) BindKeyID(context.Context, string, string) error {
	return f.err
}

func (f failingAgent) AddProof(context.Context, any, webvh.ProofOptions) (json.RawMessage, error) {
	return nil, f.err
}

func TestAgentFailureLeavesStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	good := newTestPipeline(t, st, testAgent(t))
	_, err := good.Configure(ctx, "https://example.com", true)
	require.NoError(t, err)
	before := loadDocument(t, st)

	down := fmt.Errorf("%w: connection refused", agent.ErrAgentUnavailable)
	bad := newTestPipeline(t, st, failingAgent{err: down})

	_, err = bad.Configure(ctx, "https://example.org", true)
	assert.ErrorIs(t, err, agent.ErrAgentUnavailable)

	assert.Equal(t, before.ID, loadDocument(t, st).ID)
	lines, err := st.History()
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	_, err = bad.SetParameters(ctx, "", "")
	assert.ErrorIs(t, err, agent.ErrAgentUnavailable)
	_, err = st.Get(store.Parameters)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// a prepared but unsigned entry stays unsigned
	unsigned := webvh.LogEntry{VersionID: "3-QmNext", VersionTime: "2025-03-01T12:00:00Z"}
	_, err = st.Put(store.LogEntry, unsigned)
	require.NoError(t, err)

	_, err = bad.SignEntry(ctx, "")
	assert.ErrorIs(t, err, agent.ErrAgentUnavailable)

	b, err := st.Get(store.LogEntry)
	require.NoError(t, err)
	entry, err := webvh.ParseLogEntry(b)
	require.NoError(t, err)
	assert.False(t, entry.Signed())
}

func TestCommitSkipPublishesHead(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newTestPipeline(t, st, testAgent(t))

	_, err := p.Configure(ctx, "https://example.com", true)
	require.NoError(t, err)
	require.Len(t, loadDocument(t, st).VerificationMethod, 1)

	lines, err := st.History()
	require.NoError(t, err)
	require.Len(t, lines, 2)

	genesis, err := webvh.ParseLogEntry(lines[0])
	require.NoError(t, err)
	_, err = st.Put(store.LogEntry, genesis)
	require.NoError(t, err)

	res, err := p.CommitEntry()
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Len(t, res.Document.VerificationMethod, 1)
	assert.Len(t, loadDocument(t, st).VerificationMethod, 1)

	second, err := webvh.ParseLogEntry(lines[1])
	require.NoError(t, err)
	forked := second
	forked.VersionID = "2-QmNotTheLoggedEntry"
	forked.State.VerificationMethod = nil
	_, err = st.Put(store.LogEntry, forked)
	require.NoError(t, err)

	_, err = p.CommitEntry()
	assert.ErrorIs(t, err, webvh.ErrChainDiscontinuity)
	assert.Len(t, loadDocument(t, st).VerificationMethod, 1)

	lines, err = st.History()
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

type recordingAgent struct {
	Agent
	bound map[string]string // kid -> multikey
}

func (r *recordingAgent) BindKeyID(ctx context.Context, multikey, kid string) error {
	if err := r.Agent.BindKeyID(ctx, multikey, kid); err != nil {
		return err
	}
	r.bound[kid] = multikey
	return nil
}

func TestFinalizeRebindsKeysAfterNewSCID(t *testing.T) {
	ctx := context.Background()
	client := testAgent(t)
	rec := &recordingAgent{Agent: client, bound: map[string]string{}}
	p := newTestPipeline(t, store.NewMemoryStore(), rec)

	_, err := p.Configure(ctx, "https://example.com", false)
	require.NoError(t, err)
	_, err = p.SetParameters(ctx, "", "")
	require.NoError(t, err)
	_, err = p.PrepareSCIDInput("")
	require.NoError(t, err)
	scid, _, err := p.ComputeSCID()
	require.NoError(t, err)

	vm, _, err := p.AddVerificationMethod(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, rec.bound, vm.ID)

	entry, err := p.FinalizeVersion(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, scid, entry.Parameters.SCID)

	require.Len(t, entry.State.VerificationMethod, 1)
	final := entry.State.VerificationMethod[0]
	assert.NotEqual(t, vm.ID, final.ID)
	assert.Equal(t, *final.PublicKeyMultibase, rec.bound[final.ID])

	// the agent signs under the id the document now carries
	_, err = client.AddProof(ctx, map[string]any{"id": entry.State.ID.String()}, webvh.LogEntryProofOptions.WithVerificationMethod(final.ID))
	require.NoError(t, err)
}
