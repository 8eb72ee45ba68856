// Package tokens mints and verifies short-lived, read-only access tokens
// scoped to an explicit set of runs.
//
// A token is base64url(payload || signature) where payload is the CBOR
// encoding of Claims and signature is the Ed25519 signature of payload.
package tokens

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"evidenceflow/internal/core"
)

var (
	ErrMalformed        = errors.New("access token is malformed")
	ErrInvalidSignature = errors.New("access token signature is invalid")
	ErrExpired          = errors.New("access token has expired")
	ErrOutOfScope       = errors.New("access token does not cover this resource")
	ErrTaskNotAllowed   = errors.New("task is not in the multiple-use allow-list")
)

const keyInfo = "evidenceflow access token signing key v1"

// Claims is the signed token payload.
type Claims struct {
	ID          string   `cbor:"1,keyasint" json:"id"`
	RunIDs      []string `cbor:"2,keyasint,omitempty" json:"runIds,omitempty"`
	TaskIDs     []string `cbor:"3,keyasint,omitempty" json:"taskIds,omitempty"`
	MultipleUse bool     `cbor:"4,keyasint,omitempty" json:"multipleUse,omitempty"`
	IssuedAt    int64    `cbor:"5,keyasint" json:"issuedAt"`
	ExpiresAt   int64    `cbor:"6,keyasint" json:"expiresAt"`
}

// AllowsRun reports whether the token may read the run. Single-use tokens
// cover exactly the listed runs. Multiple-use tokens additionally cover runs
// of their allow-listed tasks.
func (c *Claims) AllowsRun(runID, taskID string) bool {
	if slices.Contains(c.RunIDs, runID) {
		return true
	}
	return c.MultipleUse && taskID != "" && slices.Contains(c.TaskIDs, taskID)
}

// AllowsInvoke reports whether the token may start runs of the task.
func (c *Claims) AllowsInvoke(taskID string) bool {
	return c.MultipleUse && slices.Contains(c.TaskIDs, taskID)
}

// Options configures a Minter.
type Options struct {
	// SigningSecret seeds the signing key. When empty a random key is
	// generated and tokens do not survive a restart.
	SigningSecret  string
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
	MultipleUseTTL time.Duration
	// AllowedTaskIDs is the fixed set of tasks eligible for multiple-use tokens.
	AllowedTaskIDs []string
}

// Minter issues and verifies tokens.
type Minter struct {
	private        ed25519.PrivateKey
	public         ed25519.PublicKey
	encMode        cbor.EncMode
	defaultTTL     time.Duration
	maxTTL         time.Duration
	multipleUseTTL time.Duration
	allowed        map[string]bool
	now            func() time.Time
}

func NewMinter(opts Options) (*Minter, error) {
	var (
		public  ed25519.PublicKey
		private ed25519.PrivateKey
		err     error
	)
	if opts.SigningSecret != "" {
		seed := make([]byte, ed25519.SeedSize)
		r := hkdf.New(sha256.New, []byte(opts.SigningSecret), nil, []byte(keyInfo))
		if _, err := io.ReadFull(r, seed); err != nil {
			return nil, fmt.Errorf("derive signing key: %w", err)
		}
		private = ed25519.NewKeyFromSeed(seed)
		public = private.Public().(ed25519.PublicKey)
	} else {
		public, private, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	m := &Minter{
		private:        private,
		public:         public,
		encMode:        encMode,
		defaultTTL:     opts.DefaultTTL,
		maxTTL:         opts.MaxTTL,
		multipleUseTTL: opts.MultipleUseTTL,
		allowed:        make(map[string]bool, len(opts.AllowedTaskIDs)),
		now:            time.Now,
	}
	if m.defaultTTL <= 0 {
		m.defaultTTL = 15 * time.Minute
	}
	if m.maxTTL <= 0 {
		m.maxTTL = time.Hour
	}
	if m.multipleUseTTL <= 0 {
		m.multipleUseTTL = m.maxTTL
	}
	for _, id := range opts.AllowedTaskIDs {
		m.allowed[id] = true
	}
	return m, nil
}

// Mint issues a token covering exactly runIDs.
func (m *Minter) Mint(runIDs []string, ttl time.Duration) (string, *Claims, error) {
	if len(runIDs) == 0 {
		return "", nil, core.Invalid("mint token", "at least one run id is required")
	}
	for _, id := range runIDs {
		if id == "" {
			return "", nil, core.Invalid("mint token", "run ids must not be empty")
		}
	}
	ids := slices.Clone(runIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return m.sign(&Claims{RunIDs: ids}, m.clampTTL(ttl, m.defaultTTL, m.maxTTL))
}

// MintMultipleUse issues an elevated token for a task in the configured allow-list.
func (m *Minter) MintMultipleUse(taskID string, ttl time.Duration) (string, *Claims, error) {
	if !m.allowed[taskID] {
		return "", nil, core.E(core.KindForbidden, "mint token", fmt.Errorf("%w: %q", ErrTaskNotAllowed, taskID))
	}
	limit := m.multipleUseTTL
	return m.sign(&Claims{TaskIDs: []string{taskID}, MultipleUse: true}, m.clampTTL(ttl, limit, limit))
}

func (m *Minter) clampTTL(ttl, fallback, limit time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = fallback
	}
	if ttl > limit {
		ttl = limit
	}
	return ttl
}

func (m *Minter) sign(c *Claims, ttl time.Duration) (string, *Claims, error) {
	now := m.now()
	c.ID = core.NewTokenID()
	c.IssuedAt = now.Unix()
	c.ExpiresAt = now.Add(ttl).Unix()
	payload, err := m.encMode.Marshal(c)
	if err != nil {
		return "", nil, fmt.Errorf("encode token payload: %w", err)
	}
	sig := ed25519.Sign(m.private, payload)
	raw := make([]byte, 0, len(payload)+len(sig))
	raw = append(raw, payload...)
	raw = append(raw, sig...)
	return base64.RawURLEncoding.EncodeToString(raw), c, nil
}

// Verify checks the signature and expiry of a token.
func (m *Minter) Verify(token string) (*Claims, error) {
	return m.VerifyAt(token, m.now())
}

func (m *Minter) VerifyAt(token string, now time.Time) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) <= ed25519.SignatureSize {
		return nil, core.E(core.KindUnauthorized, "verify token", ErrMalformed)
	}
	payload := raw[:len(raw)-ed25519.SignatureSize]
	sig := raw[len(raw)-ed25519.SignatureSize:]
	if !ed25519.Verify(m.public, payload, sig) {
		return nil, core.E(core.KindUnauthorized, "verify token", ErrInvalidSignature)
	}
	var c Claims
	if err := cbor.Unmarshal(payload, &c); err != nil {
		return nil, core.E(core.KindUnauthorized, "verify token", ErrMalformed)
	}
	if now.Unix() >= c.ExpiresAt {
		return nil, core.E(core.KindUnauthorized, "verify token", ErrExpired)
	}
	return &c, nil
}

// Authorize verifies the token and checks that it covers the run.
func (m *Minter) Authorize(token, runID, taskID string) (*Claims, error) {
	c, err := m.Verify(token)
	if err != nil {
		return nil, err
	}
	if !c.AllowsRun(runID, taskID) {
		return nil, core.E(core.KindForbidden, "authorize token", ErrOutOfScope)
	}
	return c, nil
}
