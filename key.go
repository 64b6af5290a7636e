package webvh

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
)

const (
	MCed25519   = 0xED
	MCP256      = 0x1200
	MCSecp256k1 = 0xe7
)
const (
	KeyTypeSecp256k1 = "EcdsaSecp256k1VerificationKey2019"
	KeyTypeP256      = "EcdsaSecp256r1VerificationKey2019"
	KeyTypeEd25519   = "Ed25519VerificationKey2020"
)

type PrivKey struct {
	Raw  interface{}
	Type string
}

func GeneratePrivKey(typ string) (*PrivKey, error) {
	switch typ {
	case KeyTypeEd25519:
		_, sk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &PrivKey{Raw: sk, Type: typ}, nil
	case KeyTypeP256:
		sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return &PrivKey{Raw: sk, Type: typ}, nil
	case KeyTypeSecp256k1:
		sk, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		return &PrivKey{Raw: sk, Type: typ}, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %q", typ)
	}
}

func (k *PrivKey) Public() *PubKey {
	switch k.Type {
	case KeyTypeEd25519:
		kb := k.Raw.(ed25519.PrivateKey)
		pub := kb.Public().(ed25519.PublicKey)

		return &PubKey{
			Type: k.Type,
			Raw:  []byte(pub),
		}
	case KeyTypeP256:
		sk := k.Raw.(*ecdsa.PrivateKey)

		return &PubKey{
			Type: k.Type,
			Raw:  elliptic.MarshalCompressed(elliptic.P256(), sk.X, sk.Y),
		}
	case KeyTypeSecp256k1:
		sk := k.Raw.(*ecdsa.PrivateKey)

		return &PubKey{
			Type: k.Type,
			Raw:  crypto.CompressPubkey(&sk.PublicKey),
		}
	default:
		panic("invalid key type")
	}
}

// Sign signs b directly for ed25519 and the sha256 of b for the ecdsa
// curves. ecdsa signatures are the 64 byte r||s form.
func (k *PrivKey) Sign(b []byte) ([]byte, error) {
	switch k.Type {
	case KeyTypeEd25519:
		return ed25519.Sign(k.Raw.(ed25519.PrivateKey), b), nil
	case KeyTypeP256:
		h := sha256.Sum256(b)
		r, s, err := ecdsa.Sign(rand.Reader, k.Raw.(*ecdsa.PrivateKey), h[:])
		if err != nil {
			return nil, err
		}

		out := make([]byte, 64)
		r.FillBytes(out[:32])
		s.FillBytes(out[32:])

		return out, nil
	case KeyTypeSecp256k1:
		h := sha256.Sum256(b)
		sig, err := crypto.Sign(h[:], k.Raw.(*ecdsa.PrivateKey))
		if err != nil {
			return nil, err
		}

		// drop the recovery byte
		return sig[:64], nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", k.Type)
	}
}

func (k *PrivKey) KeyType() string {
	return k.Type
}

func varEncode(pref uint64, body []byte) []byte {
	buf := make([]byte, 8+len(body))
	n := varint.PutUvarint(buf, pref)
	copy(buf[n:], body)
	buf = buf[:n+len(body)]

	return buf
}

// PubKey holds the compressed encoding for the ecdsa curves and the raw
// 32 bytes for ed25519.
type PubKey struct {
	Raw  []byte
	Type string
}

func (k *PubKey) DID() string {
	return didKeyPrefix + k.MultibaseString()
}

func (k *PubKey) MultibaseString() string {
	var buf []byte
	switch k.Type {
	case KeyTypeEd25519:
		buf = varEncode(MCed25519, k.Raw)
	case KeyTypeP256:
		buf = varEncode(MCP256, k.Raw)
	case KeyTypeSecp256k1:
		buf = varEncode(MCSecp256k1, k.Raw)
	default:
		return "<invalid key type>"
	}

	kstr, err := multibase.Encode(multibase.Base58BTC, buf)
	if err != nil {
		panic(err)
	}
	return kstr
}

var ErrInvalidSignature = fmt.Errorf("invalid signature")

func (k *PubKey) Verify(msg, sig []byte) error {
	switch k.Type {
	case KeyTypeEd25519:
		if len(k.Raw) != ed25519.PublicKeySize {
			return fmt.Errorf("ed25519 public keys must be %d bytes", ed25519.PublicKeySize)
		}
		if !ed25519.Verify(ed25519.PublicKey(k.Raw), msg, sig) {
			return ErrInvalidSignature
		}

		return nil
	case KeyTypeP256:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), k.Raw)
		if x == nil {
			return fmt.Errorf("invalid p256 public key")
		}
		pubk := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     x,
			Y:     y,
		}

		r, s, err := parseP256Sig(sig)
		if err != nil {
			return err
		}

		h := sha256.Sum256(msg)
		if !ecdsa.Verify(pubk, h[:], r, s) {
			return ErrInvalidSignature
		}
		return nil

	case KeyTypeSecp256k1:
		if len(sig) != 64 {
			return fmt.Errorf("secp256k1 signatures must be 64 bytes")
		}

		h := sha256.Sum256(msg)
		if !crypto.VerifySignature(k.Raw, h[:], sig) {
			return ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type: %q", k.Type)

	}
}

// JWK is only available for ed25519 and P-256 keys.
func (k *PubKey) JWK() (jwk.Key, error) {
	switch k.Type {
	case KeyTypeEd25519:
		return jwk.FromRaw(ed25519.PublicKey(k.Raw))
	case KeyTypeP256:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), k.Raw)
		if x == nil {
			return nil, fmt.Errorf("invalid p256 public key")
		}
		return jwk.FromRaw(&ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y})
	default:
		return nil, fmt.Errorf("no jwk encoding for key type %q", k.Type)
	}
}

func parseP256Sig(buf []byte) (*big.Int, *big.Int, error) {
	if len(buf) != 64 {
		return nil, nil, fmt.Errorf("p256 signatures must be 64 bytes")
	}

	r := big.NewInt(0)
	s := big.NewInt(0)

	r.SetBytes(buf[:32])
	s.SetBytes(buf[32:])

	return r, s, nil
}

func KeyFromMultibase(mbstr string) (*PubKey, error) {
	_, data, err := multibase.Decode(mbstr)
	if err != nil {
		return nil, err
	}

	val, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, err
	}

	switch val {
	case MCed25519:
		return &PubKey{
			Type: KeyTypeEd25519,
			Raw:  data[n:],
		}, nil
	case MCP256:
		return &PubKey{
			Type: KeyTypeP256,
			Raw:  data[n:],
		}, nil
	case MCSecp256k1:
		return &PubKey{
			Type: KeyTypeSecp256k1,
			Raw:  data[n:],
		}, nil
	default:
		return nil, fmt.Errorf("unrecognized key multicodec")
	}
}

// PubKeyFromRaw accepts the raw key values produced by jwk.Key.Raw.
func PubKeyFromRaw(k interface{}) (*PubKey, error) {
	switch k := k.(type) {
	case ed25519.PublicKey:
		return &PubKey{Type: KeyTypeEd25519, Raw: []byte(k)}, nil
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("unsupported ecdsa curve %s", k.Curve.Params().Name)
		}
		return &PubKey{Type: KeyTypeP256, Raw: elliptic.MarshalCompressed(k.Curve, k.X, k.Y)}, nil
	default:
		return nil, fmt.Errorf("unrecognized key type: %T", k)
	}
}
