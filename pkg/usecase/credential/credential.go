package credential

import (
	"context"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/repository"
	"github.com/m-mizutani/vibe/pkg/utils/logging"
)

// KeyPrefix is required at the start of every stored API key
const KeyPrefix = "sk-"

// Validate trims key and checks its format. The trimmed key is returned.
func Validate(key string) (string, error) {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, KeyPrefix) || len(key) == len(KeyPrefix) {
		return "", goerr.Wrap(model.ErrInvalidCredential, "rejected API key")
	}
	return key, nil
}

// Store keeps the API credential in its own blob. An override supplied at startup
// (e.g. from an environment variable) takes precedence over the stored value and is
// never written to the repository.
type Store struct {
	repo     repository.Repository
	override string

	mu     sync.Mutex
	cached *string
}

var _ interfaces.CredentialProvider = (*Store)(nil)

type Option func(*Store)

func WithOverride(key string) Option {
	return func(s *Store) {
		s.override = strings.TrimSpace(key)
	}
}

func New(repo repository.Repository, opts ...Option) *Store {
	s := &Store{repo: repo}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Credential returns the current key, or an empty string if none is configured. An
// invalid override is an error; an invalid stored key is treated as absent.
func (s *Store) Credential(ctx context.Context) (string, error) {
	if s.override != "" {
		key, err := Validate(s.override)
		if err != nil {
			return "", goerr.Wrap(err, "API key override is invalid", goerr.V("key", Mask(s.override)))
		}
		return key, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return *s.cached, nil
	}

	data, err := s.repo.GetBlob(ctx, repository.KeyCredential)
	if err != nil {
		return "", goerr.Wrap(err, "failed to load API credential")
	}
	key := ""
	if strings.TrimSpace(string(data)) != "" {
		if key, err = Validate(string(data)); err != nil {
			logging.From(ctx).Warn("ignoring invalid stored API key", "error", err)
			key = ""
		}
	}
	s.cached = &key
	return key, nil
}

// Present reports whether a credential is available
func (s *Store) Present(ctx context.Context) (bool, error) {
	key, err := s.Credential(ctx)
	if err != nil {
		return false, err
	}
	return key != "", nil
}

// Set validates and persists key. An invalid key is never written.
func (s *Store) Set(ctx context.Context, key string) error {
	key, err := Validate(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.PutBlob(ctx, repository.KeyCredential, []byte(key)); err != nil {
		return goerr.Wrap(err, "failed to save API credential")
	}
	s.cached = &key
	return nil
}

// Clear removes the persisted credential. An override stays in effect.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DeleteBlob(ctx, repository.KeyCredential); err != nil {
		return goerr.Wrap(err, "failed to delete API credential")
	}
	empty := ""
	s.cached = &empty
	return nil
}

// Mask returns key with everything but the prefix and the last four characters hidden
func Mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= len(KeyPrefix)+4 {
		return KeyPrefix + "****"
	}
	return key[:len(KeyPrefix)] + strings.Repeat("*", 4) + key[len(key)-4:]
}
