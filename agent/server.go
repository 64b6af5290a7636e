package agent

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/whyrusleeping/go-webvh"
)

// Server is a development wallet implementing the agent HTTP surface with
// in-memory ed25519 keys. Keys are lost when the process exits.
type Server struct {
	keys map[string]*webvh.PrivKey // by multikey
	kids map[string]string         // kid -> multikey
	slk  sync.Mutex

	now func() time.Time
}

func NewServer() *Server {
	return &Server{
		keys: make(map[string]*webvh.PrivKey),
		kids: make(map[string]string),
		now:  time.Now,
	}
}

// Register mounts the wallet routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.POST(keysPath, s.handleCreateKey)
	e.PUT(keysPath, s.handleBindKey)
	e.POST(addProofPath, s.handleAddProof)
}

func (s *Server) handleCreateKey(c echo.Context) error {
	var body CreateKeyRequest
	if err := c.Bind(&body); err != nil {
		return err
	}

	sk, err := webvh.GeneratePrivKey(webvh.KeyTypeEd25519)
	if err != nil {
		return err
	}
	pub := sk.Public()
	mk := pub.MultibaseString()

	s.slk.Lock()
	if _, ok := s.kids[body.KID]; body.KID != "" && ok {
		s.slk.Unlock()
		return fail(c, http.StatusConflict, "kid already in use")
	}
	s.keys[mk] = sk
	if body.KID != "" {
		s.kids[body.KID] = mk
	}
	s.slk.Unlock()

	jk, err := pub.JWK()
	if err != nil {
		return err
	}
	jb, err := json.Marshal(jk)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, KeyResponse{KID: body.KID, Multikey: mk, JWK: jb})
}

func (s *Server) handleBindKey(c echo.Context) error {
	var body BindKeyRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	if body.KID == "" || body.Multikey == "" {
		return fail(c, http.StatusBadRequest, "kid and multikey are required")
	}

	s.slk.Lock()
	defer s.slk.Unlock()

	if _, ok := s.keys[body.Multikey]; !ok {
		return fail(c, http.StatusNotFound, "unknown key")
	}
	s.kids[body.KID] = body.Multikey

	return c.JSON(http.StatusOK, KeyResponse{KID: body.KID, Multikey: body.Multikey})
}

// lookup accepts a did:key reference or a bound kid.
func (s *Server) lookup(vm string) (*webvh.PrivKey, bool) {
	s.slk.Lock()
	defer s.slk.Unlock()

	if rest, ok := strings.CutPrefix(vm, "did:key:"); ok {
		mk, _, _ := strings.Cut(rest, "#")
		sk, ok := s.keys[mk]
		return sk, ok
	}

	mk, ok := s.kids[vm]
	if !ok {
		return nil, false
	}
	sk, ok := s.keys[mk]
	return sk, ok
}

func (s *Server) handleAddProof(c echo.Context) error {
	var body AddProofRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	if len(body.Document) == 0 {
		return fail(c, http.StatusBadRequest, "document is required")
	}

	sk, ok := s.lookup(body.Options.VerificationMethod)
	if !ok {
		return fail(c, http.StatusNotFound, "no key for verification method")
	}

	secured, err := webvh.AddProof(body.Document, body.Options, sk, s.now())
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusCreated, AddProofResponse{SecuredDocument: secured})
}

func fail(c echo.Context, code int, msg string) error {
	return c.JSON(code, ErrorResponse{Code: code, Message: msg})
}
