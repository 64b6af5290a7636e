package webvh

import "fmt"

// BuildGenesis computes the SCID for params and doc, which must still carry
// the placeholder, and returns it with the resolved version 1 entry.
func BuildGenesis(params Parameters, doc Document, versionTime string) (string, LogEntry, error) {
	st, err := Genesis(params, doc, versionTime)
	if err != nil {
		return "", LogEntry{}, err
	}
	return st.SCID(), st.Entry(), nil
}

// BuildNext replays prior to find the head and derives the following entry.
// params may be the full parameter set; only the changed fields are
// recorded. An empty history is an error, use BuildGenesis instead.
func BuildNext(prior []LogEntry, params Parameters, doc Document, versionTime string) (LogEntry, error) {
	if len(prior) == 0 {
		return LogEntry{}, ErrEmptyHistory
	}

	head, err := ReplayHistory(prior)
	if err != nil {
		return LogEntry{}, fmt.Errorf("replaying history: %w", err)
	}

	next, err := head.Next(doc, params.Delta(head.Params), versionTime)
	if err != nil {
		return LogEntry{}, err
	}
	return next.Entry(), nil
}
