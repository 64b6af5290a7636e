// Package agent talks to the remote wallet that holds the signing keys.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/whyrusleeping/go-webvh"
)

const (
	keysPath     = "/wallet/keys"
	addProofPath = "/vc/di/add-proof"
)

var (
	// ErrAgentUnavailable marks transport failures; retrying later is safe.
	ErrAgentUnavailable = errors.New("signing agent unavailable")

	ErrAgent = errors.New("signing agent error")
)

// Error is a non-2xx response from the agent.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: http %d: %s", ErrAgent, e.Status, e.Body)
}

func (e *Error) Is(target error) bool {
	return target == ErrAgent
}

type Client struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.client = c
	}
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.client = &http.Client{Timeout: d}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("agent endpoint required")
	}

	c := &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateKey asks the agent for a new key pair and returns its public
// Multikey. kid is optional.
func (c *Client) CreateKey(ctx context.Context, kid string) (string, error) {
	var out KeyResponse
	if err := c.do(ctx, http.MethodPost, keysPath, CreateKeyRequest{KID: kid}, &out); err != nil {
		return "", fmt.Errorf("creating key: %w", err)
	}
	if out.Multikey == "" {
		return "", fmt.Errorf("creating key: %w: response has no multikey", ErrAgent)
	}
	return out.Multikey, nil
}

// BindKeyID makes the key with the given public value addressable by kid.
func (c *Client) BindKeyID(ctx context.Context, multikey, kid string) error {
	if err := c.do(ctx, http.MethodPut, keysPath, BindKeyRequest{KID: kid, Multikey: multikey}, nil); err != nil {
		return fmt.Errorf("binding %s: %w", kid, err)
	}
	return nil
}

// AddProof returns document secured with a proof made per opts.
func (c *Client) AddProof(ctx context.Context, document any, opts webvh.ProofOptions) (json.RawMessage, error) {
	doc, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}

	var out AddProofResponse
	if err := c.do(ctx, http.MethodPost, addProofPath, AddProofRequest{Document: doc, Options: opts}, &out); err != nil {
		return nil, fmt.Errorf("adding proof: %w", err)
	}
	if len(out.SecuredDocument) == 0 {
		return nil, fmt.Errorf("adding proof: %w: response has no securedDocument", ErrAgent)
	}
	return out.SecuredDocument, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("agent request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er ErrorResponse
		if json.Unmarshal(msg, &er) == nil && er.Message != "" {
			return &Error{Status: resp.StatusCode, Body: er.Message}
		}
		return &Error{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrAgent, err)
	}
	return nil
}
