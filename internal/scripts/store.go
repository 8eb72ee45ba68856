// Package scripts persists generated handler source together with its
// runtime metadata in an object store.
package scripts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"evidenceflow/internal/core"
)

// MaxListPage bounds a single List call.
const MaxListPage = 100

const scriptExt = ".js"

var (
	// ErrNotFound reports a missing key. It never describes a transport failure.
	ErrNotFound = errors.New("script not found")
	// ErrUnavailable reports that the backend could not be reached. Callers may retry.
	ErrUnavailable = errors.New("script store unavailable")
)

var (
	idPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	variantPattern = regexp.MustCompile(`^[a-z0-9-]+$`)
)

// Object is a stored handler and the metadata that travels with it.
type Object struct {
	Key          string
	Content      []byte
	Metadata     core.ScriptMetadata
	ETag         string
	LastModified time.Time
}

// Entry describes one listed object. Store.List reports Size as the length
// of the handler content; backends report the stored object size.
type Entry struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// PutResult identifies a completed write.
type PutResult struct {
	Key     string `json:"key"`
	Backend string `json:"backend"`
	ETag    string `json:"etag"`
}

// Backend is the object store contract the script store writes through.
type Backend interface {
	Name() string
	PutObject(ctx context.Context, key string, body []byte) error
	// GetObject returns the body and modification time of key, or an error
	// wrapping ErrNotFound.
	GetObject(ctx context.Context, key string) ([]byte, time.Time, error)
	// ListObjects returns objects under prefix in key order, at most limit entries.
	ListObjects(ctx context.Context, prefix string, limit int) ([]Entry, error)
}

// envelope is the stored representation of an object.
type envelope struct {
	Metadata core.ScriptMetadata `cbor:"1,keyasint"`
	Content  []byte              `cbor:"2,keyasint"`
}

var (
	encMode     cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("scripts: cbor encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("scripts: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("scripts: zstd decoder initialization failed: " + err.Error())
	}
}

// Store reads and writes handler source through a Backend.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

func NewStore(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger.With("component", "scripts")}
}

// Key builds the object key {orgID}/{taskID}[.variant].js.
func Key(orgID, taskID, variant string) (string, error) {
	if !idPattern.MatchString(orgID) {
		return "", core.Invalid("script key", "invalid organization id %q", orgID)
	}
	if !idPattern.MatchString(taskID) {
		return "", core.Invalid("script key", "invalid task id %q", taskID)
	}
	if variant == "" {
		return orgID + "/" + taskID + scriptExt, nil
	}
	if !variantPattern.MatchString(variant) {
		return "", core.Invalid("script key", "invalid variant %q", variant)
	}
	return orgID + "/" + taskID + "." + variant + scriptExt, nil
}

// ContentHash returns the hex BLAKE3-256 digest used as ETag and as the
// validated-content fingerprint.
func ContentHash(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Put overwrites the object for the task. There is no versioning: the last
// writer wins.
func (s *Store) Put(ctx context.Context, orgID, taskID string, content []byte, meta core.ScriptMetadata, variant string) (*PutResult, error) {
	key, err := Key(orgID, taskID, variant)
	if err != nil {
		return nil, err
	}
	body, err := encodeObject(meta, content)
	if err != nil {
		return nil, core.E(core.KindInternal, "put script", err)
	}
	if err := s.backend.PutObject(ctx, key, body); err != nil {
		s.logger.Error("script write failed", "org_id", orgID, "task_id", taskID, "key", key, "err", err)
		return nil, classify("put script", err)
	}
	s.logger.Info("script stored", "org_id", orgID, "task_id", taskID, "key", key, "bytes", len(content))
	return &PutResult{Key: key, Backend: s.backend.Name(), ETag: ContentHash(content)}, nil
}

func (s *Store) Get(ctx context.Context, key string) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	body, modified, err := s.backend.GetObject(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("script read failed", "key", key, "err", err)
		}
		return nil, classify("get script", err)
	}
	env, err := decodeObject(body)
	if err != nil {
		s.logger.Error("script object corrupt", "key", key, "err", err)
		return nil, core.E(core.KindInternal, "get script", err)
	}
	return &Object{
		Key:          key,
		Content:      env.Content,
		Metadata:     env.Metadata,
		ETag:         ContentHash(env.Content),
		LastModified: modified,
	}, nil
}

// List returns the handler objects of an organization in key order. The
// page is capped at MaxListPage.
func (s *Store) List(ctx context.Context, orgID string, limit int) ([]Entry, error) {
	if !idPattern.MatchString(orgID) {
		return nil, core.Invalid("list scripts", "invalid organization id %q", orgID)
	}
	if limit <= 0 || limit > MaxListPage {
		limit = MaxListPage
	}
	entries, err := s.backend.ListObjects(ctx, orgID+"/", MaxListPage)
	if err != nil {
		s.logger.Error("script list failed", "org_id", orgID, "err", err)
		return nil, classify("list scripts", err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(e.Key, scriptExt) {
			continue
		}
		body, _, err := s.backend.GetObject(ctx, e.Key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.Error("script list read failed", "key", e.Key, "err", err)
			return nil, classify("list scripts", err)
		}
		env, err := decodeObject(body)
		if err != nil {
			s.logger.Error("script object corrupt", "key", e.Key, "err", err)
			return nil, core.E(core.KindInternal, "list scripts", err)
		}
		e.Size = int64(len(env.Content))
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func validateKey(key string) error {
	org, rest, ok := strings.Cut(key, "/")
	if !ok || !idPattern.MatchString(org) || !strings.HasSuffix(rest, scriptExt) {
		return core.Invalid("script key", "invalid key %q", key)
	}
	name := strings.TrimSuffix(rest, scriptExt)
	task, variant, hasVariant := strings.Cut(name, ".")
	if !idPattern.MatchString(task) || (hasVariant && !variantPattern.MatchString(variant)) {
		return core.Invalid("script key", "invalid key %q", key)
	}
	return nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return core.E(core.KindNotFound, op, err)
	case errors.Is(err, ErrUnavailable):
		return core.E(core.KindUnavailable, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return core.E(core.KindUnavailable, op, fmt.Errorf("%w: %w", ErrUnavailable, err))
	default:
		return core.E(core.KindInternal, op, err)
	}
}

func encodeObject(meta core.ScriptMetadata, content []byte) ([]byte, error) {
	raw, err := encMode.Marshal(envelope{Metadata: meta, Content: content})
	if err != nil {
		return nil, fmt.Errorf("encode script envelope: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decodeObject(body []byte) (*envelope, error) {
	raw, err := zstdDecoder.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode script envelope: %w", err)
	}
	return &env, nil
}
