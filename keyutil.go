package webvh

import (
	"fmt"
	"strings"
)

// DIDKeyRef is the did:key verification method reference for a multikey,
// in the did:key:<multikey>#<multikey> form.
func DIDKeyRef(multikey string) string {
	return didKeyPrefix + multikey + "#" + multikey
}

// KeyFromDIDKeyRef resolves a did:key DID or DID URL to its public key.
func KeyFromDIDKeyRef(ref string) (*PubKey, error) {
	rest, ok := strings.CutPrefix(ref, didKeyPrefix)
	if !ok {
		return nil, fmt.Errorf("not a did:key reference: %q", ref)
	}

	mk, frag, _ := strings.Cut(rest, "#")
	if frag != "" && frag != mk {
		return nil, fmt.Errorf("did:key fragment %q does not match key %q", frag, mk)
	}

	return KeyFromMultibase(mk)
}
