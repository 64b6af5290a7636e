package webvh

import (
	"crypto/sha256"
	"encoding/json"

	"github.com/gowebpki/jcs"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-varint"
)

// multihash code for sha2-256
const mhSHA256 = 0x12

// Canonicalize serializes v with the JSON Canonicalization Scheme (RFC 8785).
func Canonicalize(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(b)
}

// multihashB58 is the base58btc multihash of the canonical form of v, as
// used for both the SCID and the entry hash.
func multihashB58(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(b)
	buf := varint.ToUvarint(mhSHA256)
	buf = append(buf, varint.ToUvarint(uint64(len(sum)))...)
	buf = append(buf, sum[:]...)

	return base58.Encode(buf), nil
}
