package agent

import (
	"encoding/json"

	"github.com/whyrusleeping/go-webvh"
)

type CreateKeyRequest struct {
	KID string `json:"kid,omitempty"`
}

type BindKeyRequest struct {
	KID      string `json:"kid"`
	Multikey string `json:"multikey"`
}

type KeyResponse struct {
	KID      string          `json:"kid,omitempty"`
	Multikey string          `json:"multikey"`
	JWK      json.RawMessage `json:"jwk,omitempty"`
}

type AddProofRequest struct {
	Document json.RawMessage    `json:"document"`
	Options  webvh.ProofOptions `json:"options"`
}

type AddProofResponse struct {
	SecuredDocument json.RawMessage `json:"securedDocument"`
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
