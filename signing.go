package webvh

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/multiformats/go-multibase"
)

const (
	ProofTypeDataIntegrity      = "DataIntegrityProof"
	CryptosuiteEddsaJcs2022     = "eddsa-jcs-2022"
	ProofPurposeAssertionMethod = "assertionMethod"
)

// ProofOptions is the proof configuration sent with a signing request.
type ProofOptions struct {
	Context            any    `json:"@context,omitempty"`
	Type               string `json:"type"`
	Cryptosuite        string `json:"cryptosuite"`
	ProofPurpose       string `json:"proofPurpose"`
	VerificationMethod string `json:"verificationMethod,omitempty"`
	Created            string `json:"created,omitempty"`
}

// LogEntryProofOptions is the template every log entry is signed with;
// only the verification method varies.
var LogEntryProofOptions = ProofOptions{
	Type:         ProofTypeDataIntegrity,
	Cryptosuite:  CryptosuiteEddsaJcs2022,
	ProofPurpose: ProofPurposeAssertionMethod,
}

func (o ProofOptions) WithVerificationMethod(vm string) ProofOptions {
	o.VerificationMethod = vm
	return o
}

// UpdateKeyProofOptions signs with the did:key form of an update key.
func UpdateKeyProofOptions(updateKey string) ProofOptions {
	return LogEntryProofOptions.WithVerificationMethod(DIDKeyRef(updateKey))
}

type Proof struct {
	ProofOptions
	ProofValue string `json:"proofValue"`
}

// AddProof secures document with an eddsa-jcs-2022 DataIntegrityProof made
// by k. Any existing proof is replaced.
func AddProof(document []byte, opts ProofOptions, k *PrivKey, created time.Time) ([]byte, error) {
	if k.Type != KeyTypeEd25519 {
		return nil, fmt.Errorf("%s requires an ed25519 key, got %s", CryptosuiteEddsaJcs2022, k.Type)
	}
	if opts.Type != ProofTypeDataIntegrity || opts.Cryptosuite != CryptosuiteEddsaJcs2022 {
		return nil, fmt.Errorf("unsupported proof type %s/%s", opts.Type, opts.Cryptosuite)
	}
	if opts.VerificationMethod == "" {
		return nil, fmt.Errorf("proof options have no verification method")
	}

	doc, err := decodeObject(document)
	if err != nil {
		return nil, err
	}
	delete(doc, "proof")

	if opts.Created == "" {
		opts.Created = FormatVersionTime(created)
	}
	if ctx, ok := doc["@context"]; ok {
		opts.Context = ctx
	}

	hash, err := proofHash(doc, opts)
	if err != nil {
		return nil, err
	}

	sig, err := k.Sign(hash)
	if err != nil {
		return nil, err
	}

	pv, err := multibase.Encode(multibase.Base58BTC, sig)
	if err != nil {
		return nil, err
	}

	doc["proof"] = Proof{ProofOptions: opts, ProofValue: pv}
	return json.Marshal(doc)
}

// VerifyProof checks every proof on a secured document. Only did:key
// verification methods can be resolved.
func VerifyProof(secured []byte) ([]Proof, error) {
	doc, err := decodeObject(secured)
	if err != nil {
		return nil, err
	}

	raw, ok := doc["proof"]
	if !ok {
		return nil, fmt.Errorf("%w: document has no proof", ErrInvalidProof)
	}
	delete(doc, "proof")

	list, ok := raw.([]any)
	if !ok {
		list = []any{raw}
	}

	proofs := make([]Proof, 0, len(list))
	for _, item := range list {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		var p Proof
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
		if err := verifyOne(doc, p); err != nil {
			return nil, err
		}
		proofs = append(proofs, p)
	}

	return proofs, nil
}

// VerifyEntryProof verifies the proofs on entry and that each was made by
// one of updateKeys.
func VerifyEntryProof(entry LogEntry, updateKeys []string) error {
	if !entry.Signed() {
		return fmt.Errorf("%w: entry %s is not signed", ErrInvalidProof, entry.VersionID)
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	proofs, err := VerifyProof(b)
	if err != nil {
		return err
	}

	for _, p := range proofs {
		key, err := KeyFromDIDKeyRef(p.VerificationMethod)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
		if !slices.Contains(updateKeys, key.MultibaseString()) {
			return fmt.Errorf("%w: %s is not an authorized update key", ErrInvalidProof, p.VerificationMethod)
		}
	}
	return nil
}

func verifyOne(doc map[string]any, p Proof) error {
	if p.Type != ProofTypeDataIntegrity || p.Cryptosuite != CryptosuiteEddsaJcs2022 {
		return fmt.Errorf("%w: unsupported proof %s/%s", ErrInvalidProof, p.Type, p.Cryptosuite)
	}

	key, err := KeyFromDIDKeyRef(p.VerificationMethod)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if key.Type != KeyTypeEd25519 {
		return fmt.Errorf("%w: %s is not an ed25519 key", ErrInvalidProof, p.VerificationMethod)
	}

	_, sig, err := multibase.Decode(p.ProofValue)
	if err != nil {
		return fmt.Errorf("%w: proofValue: %v", ErrInvalidProof, err)
	}

	hash, err := proofHash(doc, p.ProofOptions)
	if err != nil {
		return err
	}

	if err := key.Verify(hash, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return nil
}

// proofHash is sha256(JCS(config)) || sha256(JCS(document)).
func proofHash(doc map[string]any, config ProofOptions) ([]byte, error) {
	cfg, err := Canonicalize(config)
	if err != nil {
		return nil, err
	}
	body, err := Canonicalize(doc)
	if err != nil {
		return nil, err
	}

	h1 := sha256.Sum256(cfg)
	h2 := sha256.Sum256(body)
	return append(h1[:], h2[:]...), nil
}

func decodeObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document is not a JSON object")
	}
	return doc, nil
}
