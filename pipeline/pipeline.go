// Package pipeline runs the staged construction of a did:webvh log. Each
// stage reads the artifacts left by the stage before it, does its work,
// and only then writes its own output, so a failed stage leaves the store
// exactly as the last successful one left it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/whyrusleeping/go-webvh"
	"github.com/whyrusleeping/go-webvh/store"
)

var (
	// ErrUsage marks bad user input; nothing has been written.
	ErrUsage = errors.New("usage error")

	ErrPrerequisiteMissing = errors.New("prerequisite artifact missing")

	ErrUnsigned = errors.New("log entry is not signed")
)

// Agent is the signing wallet the pipeline delegates keys and proofs to.
// *agent.Client implements it.
type Agent interface {
	CreateKey(ctx context.Context, kid string) (string, error)
	BindKeyID(ctx context.Context, multikey, kid string) error
	AddProof(ctx context.Context, document any, opts webvh.ProofOptions) (json.RawMessage, error)
}

type Pipeline struct {
	store  store.ArtifactStore
	agent  Agent
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithClock replaces time.Now for version times.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

func New(st store.ArtifactStore, ag Agent, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  st,
		agent:  ag,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CommitResult reports what commit-entry did. Committed is false when the
// entry was already in the history.
type CommitResult struct {
	Committed     bool
	VersionNumber int
	Document      webvh.Document
}

// Configure starts a new identifier at origin. The store is emptied and
// the did artifact receives the document shell with the SCID placeholder.
// With automate set the whole two-entry flow runs and the did artifact is
// the published did:web document instead.
func (p *Pipeline) Configure(ctx context.Context, origin string, automate bool) (webvh.Document, error) {
	if origin == "" {
		return webvh.Document{}, fmt.Errorf("%w: missing DID location URL", ErrUsage)
	}

	id, err := webvh.DIDWebFromOrigin(origin)
	if err != nil {
		return webvh.Document{}, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	doc, err := webvh.InsertPlaceholder(webvh.Document{
		Context: []string{webvh.CtxDIDv1},
		ID:      id,
	}, "")
	if err != nil {
		return webvh.Document{}, err
	}

	if automate {
		return p.configureAuto(ctx, doc)
	}

	if err := p.store.Reset(); err != nil {
		return webvh.Document{}, err
	}
	if _, err := p.store.Put(store.DID, doc); err != nil {
		return webvh.Document{}, err
	}

	p.logger.Info("configured did document", "id", doc.ID)
	return doc, nil
}

func (p *Pipeline) configureAuto(ctx context.Context, doc webvh.Document) (webvh.Document, error) {
	updateKey, err := p.agent.CreateKey(ctx, "")
	if err != nil {
		return webvh.Document{}, err
	}

	method, err := webvh.MethodForVersion(webvh.LatestMethodVersion)
	if err != nil {
		return webvh.Document{}, err
	}
	params := webvh.Parameters{
		SCID:       webvh.SCIDPlaceholder,
		Method:     method,
		UpdateKeys: []string{updateKey},
	}

	scid, genesis, err := webvh.BuildGenesis(params, doc, p.timestamp())
	if err != nil {
		return webvh.Document{}, err
	}
	first, err := p.sign(ctx, genesis, updateKey)
	if err != nil {
		return webvh.Document{}, err
	}

	signingKey, err := p.agent.CreateKey(ctx, "")
	if err != nil {
		return webvh.Document{}, err
	}
	_, withVM, err := webvh.BindKey(ctx, p.agent, first.State, first.State.ID.String(), signingKey)
	if err != nil {
		return webvh.Document{}, err
	}

	next, err := webvh.BuildNext([]webvh.LogEntry{first}, webvh.Parameters{}, withVM, p.timestamp())
	if err != nil {
		return webvh.Document{}, err
	}
	second, err := p.sign(ctx, next, updateKey)
	if err != nil {
		return webvh.Document{}, err
	}

	published, err := webvh.ToParallelDocument(second.State)
	if err != nil {
		return webvh.Document{}, err
	}

	// every remote call has succeeded; only now touch the store
	if err := p.store.Reset(); err != nil {
		return webvh.Document{}, err
	}
	for _, e := range []webvh.LogEntry{first, second} {
		if err := p.store.AppendLogLine(e); err != nil {
			return webvh.Document{}, err
		}
	}
	if _, err := p.store.Put(store.DID, published); err != nil {
		return webvh.Document{}, err
	}

	p.logger.Info("created did", "scid", scid, "id", second.State.ID, "versionId", second.VersionID)
	return published, nil
}

// GenerateKey has the agent create a key pair and returns its Multikey.
func (p *Pipeline) GenerateKey(ctx context.Context) (string, error) {
	return p.agent.CreateKey(ctx, "")
}

// SetParameters writes the genesis parameters for the given protocol
// version. Without an update key one is created by the agent.
func (p *Pipeline) SetParameters(ctx context.Context, version, updateKey string) (webvh.Parameters, error) {
	if version == "" {
		version = webvh.LatestMethodVersion
	}
	method, err := webvh.MethodForVersion(version)
	if err != nil {
		return webvh.Parameters{}, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	if updateKey != "" {
		if _, err := webvh.KeyFromMultibase(updateKey); err != nil {
			return webvh.Parameters{}, fmt.Errorf("%w: update key: %w", ErrUsage, err)
		}
	} else {
		updateKey, err = p.agent.CreateKey(ctx, "")
		if err != nil {
			return webvh.Parameters{}, err
		}
	}

	params := webvh.Parameters{
		SCID:       webvh.SCIDPlaceholder,
		Method:     method,
		UpdateKeys: []string{updateKey},
	}
	if _, err := p.store.Put(store.Parameters, params); err != nil {
		return webvh.Parameters{}, err
	}
	return params, nil
}

// PrepareSCIDInput assembles the preliminary entry the SCID is hashed
// from. An empty versionTime means now.
func (p *Pipeline) PrepareSCIDInput(versionTime string) (webvh.LogEntry, error) {
	if versionTime == "" {
		versionTime = p.timestamp()
	} else if _, err := webvh.ParseVersionTime(versionTime); err != nil {
		return webvh.LogEntry{}, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	var doc webvh.Document
	if err := p.load(store.DID, &doc); err != nil {
		return webvh.LogEntry{}, err
	}
	var params webvh.Parameters
	if err := p.load(store.Parameters, &params); err != nil {
		return webvh.LogEntry{}, err
	}

	input := webvh.LogEntry{
		VersionID:   webvh.SCIDPlaceholder,
		VersionTime: versionTime,
		Parameters:  params,
		State:       doc,
	}
	if _, err := p.store.Put(store.SCIDInput, input); err != nil {
		return webvh.LogEntry{}, err
	}
	return input, nil
}

// ComputeSCID derives the SCID from the scid input and stores the
// resolved first entry as the draft.
func (p *Pipeline) ComputeSCID() (string, webvh.LogEntry, error) {
	var input webvh.LogEntry
	if err := p.load(store.SCIDInput, &input); err != nil {
		return "", webvh.LogEntry{}, err
	}

	scid, draft, err := webvh.BuildGenesis(input.Parameters, input.State, input.VersionTime)
	if err != nil {
		return "", webvh.LogEntry{}, err
	}

	if _, err := p.store.Put(store.DraftLogEntry, draft); err != nil {
		return "", webvh.LogEntry{}, err
	}

	p.logger.Info("calculated scid", "scid", scid)
	return scid, draft, nil
}

// AddVerificationMethod binds multikey, or a fresh agent key when it is
// empty, as a verification method of the draft's document.
func (p *Pipeline) AddVerificationMethod(ctx context.Context, multikey string) (webvh.VerificationMethod, webvh.LogEntry, error) {
	var draft webvh.LogEntry
	if err := p.load(store.DraftLogEntry, &draft); err != nil {
		return webvh.VerificationMethod{}, webvh.LogEntry{}, err
	}

	if multikey == "" {
		var err error
		multikey, err = p.agent.CreateKey(ctx, "")
		if err != nil {
			return webvh.VerificationMethod{}, webvh.LogEntry{}, err
		}
	} else if _, err := webvh.KeyFromMultibase(multikey); err != nil {
		return webvh.VerificationMethod{}, webvh.LogEntry{}, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	vm, doc, err := webvh.BindKey(ctx, p.agent, draft.State, draft.State.ID.String(), multikey)
	if err != nil {
		return webvh.VerificationMethod{}, webvh.LogEntry{}, err
	}
	draft.State = doc

	if _, err := p.store.Put(store.DraftLogEntry, draft); err != nil {
		return webvh.VerificationMethod{}, webvh.LogEntry{}, err
	}
	return vm, draft, nil
}

// FinalizeVersion turns the draft into the next ready-to-sign entry. On an
// empty history the draft is re-hashed as a genesis entry, so changes made
// after compute-scid produce a new SCID; verification method ids carrying
// the new SCID are bound again in the agent.
func (p *Pipeline) FinalizeVersion(ctx context.Context) (webvh.LogEntry, error) {
	prior, err := p.history()
	if err != nil {
		return webvh.LogEntry{}, err
	}

	var draft webvh.LogEntry
	if err := p.load(store.DraftLogEntry, &draft); err != nil {
		return webvh.LogEntry{}, err
	}

	var entry webvh.LogEntry
	if len(prior) == 0 {
		entry, err = p.regenesis(ctx, draft)
	} else {
		entry, err = webvh.BuildNext(prior, draft.Parameters, draft.State, p.timestamp())
	}
	if err != nil {
		return webvh.LogEntry{}, err
	}

	if _, err := p.store.Put(store.DraftLogEntry, entry); err != nil {
		return webvh.LogEntry{}, err
	}
	if _, err := p.store.Put(store.LogEntry, entry); err != nil {
		return webvh.LogEntry{}, err
	}

	p.logger.Info("finalized version", "versionId", entry.VersionID)
	return entry, nil
}

func (p *Pipeline) regenesis(ctx context.Context, draft webvh.LogEntry) (webvh.LogEntry, error) {
	scid := draft.Parameters.SCID
	if scid == "" {
		return webvh.LogEntry{}, fmt.Errorf("%w: draft log entry has no scid", ErrPrerequisiteMissing)
	}

	params, err := webvh.InsertPlaceholder(draft.Parameters, scid)
	if err != nil {
		return webvh.LogEntry{}, err
	}
	doc, err := webvh.InsertPlaceholder(draft.State, scid)
	if err != nil {
		return webvh.LogEntry{}, err
	}

	newSCID, entry, err := webvh.BuildGenesis(params, doc, draft.VersionTime)
	if err != nil {
		return webvh.LogEntry{}, err
	}
	if newSCID == scid {
		return entry, nil
	}

	for _, vm := range entry.State.VerificationMethod {
		if vm.PublicKeyMultibase == nil {
			continue
		}
		if err := p.agent.BindKeyID(ctx, *vm.PublicKeyMultibase, vm.ID); err != nil {
			return webvh.LogEntry{}, fmt.Errorf("binding key id %s: %w", vm.ID, err)
		}
	}
	p.logger.Info("scid changed since compute-scid", "old", scid, "new", newSCID)

	return entry, nil
}

// SignEntry replaces any proof on the log entry with one made by
// updateKey. Without an explicit key the head's first update key is used,
// or the entry's own when the history is empty.
func (p *Pipeline) SignEntry(ctx context.Context, updateKey string) (webvh.LogEntry, error) {
	var entry webvh.LogEntry
	if err := p.load(store.LogEntry, &entry); err != nil {
		return webvh.LogEntry{}, err
	}

	if updateKey == "" {
		head, err := p.head()
		if err != nil {
			return webvh.LogEntry{}, err
		}
		keys := entry.Parameters.UpdateKeys
		if head != nil {
			keys = head.Params.UpdateKeys
		}
		if len(keys) == 0 {
			return webvh.LogEntry{}, webvh.ErrMissingUpdateKeys
		}
		updateKey = keys[0]
	}

	signed, err := p.sign(ctx, entry, updateKey)
	if err != nil {
		return webvh.LogEntry{}, err
	}

	if _, err := p.store.Put(store.LogEntry, signed); err != nil {
		return webvh.LogEntry{}, err
	}
	return signed, nil
}

// CommitEntry appends the signed log entry when it is the next version and
// publishes the did:web form of the resulting head. An entry already in the
// history is skipped, and the did artifact is regenerated from the head.
func (p *Pipeline) CommitEntry() (CommitResult, error) {
	var entry webvh.LogEntry
	if err := p.load(store.LogEntry, &entry); err != nil {
		return CommitResult{}, err
	}
	if !entry.Signed() {
		return CommitResult{}, fmt.Errorf("%w: %s", ErrUnsigned, entry.VersionID)
	}

	n, err := entry.VersionNumber()
	if err != nil {
		return CommitResult{}, err
	}

	prior, err := p.history()
	if err != nil {
		return CommitResult{}, err
	}

	head, err := webvh.ReplayHistory(prior)
	if err != nil {
		return CommitResult{}, err
	}

	res := CommitResult{VersionNumber: n}
	switch {
	case n <= len(prior):
		// only the entry already logged at n counts as committed
		if prior[n-1].VersionID != entry.VersionID {
			return CommitResult{}, fmt.Errorf("%w: entry %s differs from logged %s", webvh.ErrChainDiscontinuity, entry.VersionID, prior[n-1].VersionID)
		}
		p.logger.Info("no log line to add", "versionId", entry.VersionID, "history", len(prior))
	case n > len(prior)+1:
		return CommitResult{}, fmt.Errorf("%w: entry %d cannot follow a history of %d", webvh.ErrChainDiscontinuity, n, len(prior))
	default:
		next, err := webvh.ReplayEntry(entry, head)
		if err != nil {
			return CommitResult{}, err
		}
		if err := p.store.AppendLogLine(entry); err != nil {
			return CommitResult{}, err
		}
		head = next
		res.Committed = true
		p.logger.Info("log line added", "versionId", entry.VersionID)
	}

	published, err := webvh.ToParallelDocument(head.Document)
	if err != nil {
		return CommitResult{}, err
	}
	if _, err := p.store.Put(store.DID, published); err != nil {
		return CommitResult{}, err
	}
	res.Document = published

	return res, nil
}

// VerifyHistory replays the whole log and checks every proof against the
// update keys in force when the entry was made.
func (p *Pipeline) VerifyHistory() (*webvh.State, error) {
	entries, err := p.history()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, webvh.ErrEmptyHistory
	}

	var st *webvh.State
	for _, e := range entries {
		next, err := webvh.ReplayEntry(e, st)
		if err != nil {
			return nil, err
		}

		keys := e.Parameters.UpdateKeys
		if st != nil {
			keys = st.Params.UpdateKeys
		}
		if err := webvh.VerifyEntryProof(e, keys); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.VersionID, err)
		}
		st = next
	}
	return st, nil
}

func (p *Pipeline) sign(ctx context.Context, entry webvh.LogEntry, updateKey string) (webvh.LogEntry, error) {
	secured, err := p.agent.AddProof(ctx, entry.WithoutProof(), webvh.UpdateKeyProofOptions(updateKey))
	if err != nil {
		return webvh.LogEntry{}, err
	}

	signed, err := webvh.ParseLogEntry(secured)
	if err != nil {
		return webvh.LogEntry{}, err
	}
	if !signed.Signed() {
		return webvh.LogEntry{}, fmt.Errorf("%w: agent returned no proof", ErrUnsigned)
	}
	return signed, nil
}

func (p *Pipeline) load(key string, v any) error {
	b, err := p.store.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrPrerequisiteMissing, err)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %s is malformed: %w", ErrPrerequisiteMissing, key, err)
	}
	return nil
}

func (p *Pipeline) history() ([]webvh.LogEntry, error) {
	lines, err := p.store.History()
	if err != nil {
		return nil, err
	}

	entries := make([]webvh.LogEntry, 0, len(lines))
	for i, l := range lines {
		e, err := webvh.ParseLogEntry(l)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", store.HistoryFile, i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// head replays the stored history. It is nil for an empty history.
func (p *Pipeline) head() (*webvh.State, error) {
	entries, err := p.history()
	if err != nil {
		return nil, err
	}
	return webvh.ReplayHistory(entries)
}

func (p *Pipeline) timestamp() string {
	return webvh.FormatVersionTime(p.now())
}
