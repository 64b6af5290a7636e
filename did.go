package webvh

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	CtxDIDv1      = "https://www.w3.org/ns/did/v1"
	CtxMultikeyV1 = "https://w3id.org/security/multikey/v1"
)

const (
	didWebPrefix   = "did:web:"
	didWebVHPrefix = "did:webvh:"
	didKeyPrefix   = "did:key:"
	multikeyVMType = "Multikey"
)

var (
	knownDocumentFields = []string{
		"@context", "id", "controller", "alsoKnownAs", "authentication", "assertionMethod", "verificationMethod", "service",
	}
	knownVerificationMethodFields = []string{"id", "type", "controller", "publicKeyJwk", "publicKeyMultibase"}
	knownServiceFields            = []string{"id", "type", "serviceEndpoint"}
)

type DID struct {
	val string
}

func (d DID) String() string {
	return d.val
}

func (d DID) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.val)
}

func (d *DID) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &d.val)
}

// ParseDID checks the did:<method>:<method-specific-id> shape.
func ParseDID(s string) (DID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[1] == "" || parts[2] == "" {
		return DID{}, fmt.Errorf("%w: %q", ErrMalformedIdentifier, s)
	}
	return DID{val: s}, nil
}

func (d DID) Method() string {
	parts := strings.SplitN(d.val, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Segment returns the i-th colon-delimited component of the identifier.
func (d DID) Segment(i int) (string, bool) {
	parts := strings.Split(d.val, ":")
	if i < 0 || i >= len(parts) {
		return "", false
	}
	return parts[i], true
}

// DIDWebFromOrigin turns https://host[:port]/path into did:web:host%3Aport:path.
func DIDWebFromOrigin(origin string) (DID, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return DID{}, fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return DID{}, fmt.Errorf("origin must be an https URL with a host, got %q", origin)
	}

	segments := []string{strings.ReplaceAll(u.Host, ":", "%3A")}
	for _, p := range strings.Split(strings.Trim(u.Path, "/"), "/") {
		if p != "" {
			segments = append(segments, p)
		}
	}

	return ParseDID(didWebPrefix + strings.Join(segments, ":"))
}

type Document struct {
	Context []string `json:"@context"`

	ID DID `json:"id"`

	Controller any `json:"controller,omitempty"`

	AlsoKnownAs []string `json:"alsoKnownAs,omitempty"`

	Authentication []any `json:"authentication,omitempty"`

	AssertionMethod []any `json:"assertionMethod,omitempty"`

	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`

	Service []Service `json:"service,omitempty"`

	// Extra keeps members not modelled above so they survive a round trip
	// unchanged; entry hashes depend on it.
	Extra map[string]json.RawMessage `json:"-"`
}

type documentFields Document

func (d Document) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(documentFields(d), d.Extra)
}

func (d *Document) UnmarshalJSON(b []byte) error {
	var fields documentFields
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	extra, err := unknownMembers(b, knownDocumentFields)
	if err != nil {
		return err
	}
	fields.Extra = extra

	*d = Document(fields)
	return nil
}

// marshalWithExtra encodes fields and adds the members of extra that the
// typed fields did not produce.
func marshalWithExtra(fields any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(fields)
	if err != nil || len(extra) == 0 {
		return b, err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}

	return json.Marshal(m)
}

// unknownMembers returns the members of the object b not named in known,
// or nil when there are none.
func unknownMembers(b []byte, known []string) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(m, k)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func (d *Document) HasContext(ctx string) bool {
	for _, c := range d.Context {
		if c == ctx {
			return true
		}
	}
	return false
}

// Service endpoints may be a URL string, a map or a set of either.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint any    `json:"serviceEndpoint"`

	Extra map[string]json.RawMessage `json:"-"`
}

type serviceFields Service

func (s Service) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(serviceFields(s), s.Extra)
}

func (s *Service) UnmarshalJSON(b []byte) error {
	var fields serviceFields
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	extra, err := unknownMembers(b, knownServiceFields)
	if err != nil {
		return err
	}
	fields.Extra = extra

	*s = Service(fields)
	return nil
}

type VerificationMethod struct {
	ID                 string        `json:"id"`
	Type               string        `json:"type"`
	Controller         string        `json:"controller"`
	PublicKeyJwk       *PublicKeyJwk `json:"publicKeyJwk,omitempty"`
	PublicKeyMultibase *string       `json:"publicKeyMultibase,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type verificationMethodFields VerificationMethod

func (vm VerificationMethod) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(verificationMethodFields(vm), vm.Extra)
}

func (vm *VerificationMethod) UnmarshalJSON(b []byte) error {
	var fields verificationMethodFields
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	extra, err := unknownMembers(b, knownVerificationMethodFields)
	if err != nil {
		return err
	}
	fields.Extra = extra

	*vm = VerificationMethod(fields)
	return nil
}

func (vm VerificationMethod) GetPublicKey() (*PubKey, error) {
	if vm.PublicKeyMultibase != nil {
		return KeyFromMultibase(*vm.PublicKeyMultibase)
	}

	if vm.PublicKeyJwk != nil {
		k, err := vm.PublicKeyJwk.GetRawKey()
		if err != nil {
			return nil, err
		}
		return PubKeyFromRaw(k)
	}

	return nil, fmt.Errorf("verification method %q has no public key", vm.ID)
}

type PublicKeyJwk struct {
	Key jwk.Key
}

func (pkj *PublicKeyJwk) UnmarshalJSON(b []byte) error {
	parsed, err := jwk.Parse(b)
	if err != nil {
		return err
	}

	if parsed.Len() != 1 {
		return fmt.Errorf("expected a single key in the jwk field")
	}

	k, ok := parsed.Key(0)
	if !ok {
		return fmt.Errorf("should be unpossible")
	}

	pkj.Key = k

	return nil
}

func (pkj *PublicKeyJwk) MarshalJSON() ([]byte, error) {
	return json.Marshal(pkj.Key)
}

func (pk *PublicKeyJwk) GetRawKey() (interface{}, error) {
	var rawkey interface{}
	if err := pk.Key.Raw(&rawkey); err != nil {
		return nil, err
	}

	return rawkey, nil
}
