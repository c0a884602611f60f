package history

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/repository"
	"github.com/m-mizutani/vibe/pkg/utils/logging"
)

// DefaultCapacity is the maximum number of objection records kept
const DefaultCapacity = 10

// Store is the bounded, most-recent-first objection history. It exclusively owns the
// persisted "history" blob and rewrites it wholesale on every mutation.
type Store struct {
	repo     repository.Repository
	key      string
	capacity int

	mu      sync.Mutex
	records []model.ObjectionRecord
}

type Option func(*Store)

// WithCapacity overrides DefaultCapacity. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithKey overrides the blob key, e.g. to keep several histories in one repository
func WithKey(key string) Option {
	return func(s *Store) {
		s.key = key
	}
}

func New(repo repository.Repository, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		key:      repository.KeyHistory,
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory sequence with the persisted one. A missing or malformed
// blob yields an empty history; only a repository failure is returned as an error.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.repo.GetBlob(ctx, s.key)
	if err != nil {
		return goerr.Wrap(err, "failed to load objection history", goerr.V("key", s.key))
	}

	var records []model.ObjectionRecord
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			records = decodeTexts(data)
			if records == nil {
				logging.From(ctx).Warn("persisted objection history is malformed, starting empty",
					"key", s.key,
					"error", err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = Sanitize(records, s.capacity)
	return nil
}

// Add inserts rec at the front, removing any record with the same text and evicting
// the oldest records beyond capacity.
func (s *Store) Add(ctx context.Context, rec model.ObjectionRecord) error {
	rec = rec.Normalize()
	if rec.Text == "" {
		return goerr.New("objection text is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commit(ctx, Insert(s.records, rec, s.capacity))
}

// Update replaces the record with the same text in place, keeping its position. It
// returns false without writing anything if no such record is stored.
func (s *Store) Update(ctx context.Context, rec model.ObjectionRecord) (bool, error) {
	rec = rec.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := Replace(s.records, rec)
	if !ok {
		return false, nil
	}
	if err := s.commit(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes every record and persists an empty array
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commit(ctx, []model.ObjectionRecord{})
}

// commit persists next and makes it visible only after the write succeeded.
// Caller must hold s.mu.
func (s *Store) commit(ctx context.Context, next []model.ObjectionRecord) error {
	if next == nil {
		next = []model.ObjectionRecord{}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal objection history")
	}

	if err := s.repo.PutBlob(ctx, s.key, data); err != nil {
		return goerr.Wrap(err, "failed to save objection history",
			goerr.V("key", s.key),
			goerr.V("count", len(next)))
	}

	s.records = next
	return nil
}

// decodeTexts reads the older layout where the history was a plain array of
// objection texts. It returns nil if data is not such an array.
func decodeTexts(data []byte) []model.ObjectionRecord {
	var texts []string
	if err := json.Unmarshal(data, &texts); err != nil {
		return nil
	}

	records := make([]model.ObjectionRecord, 0, len(texts))
	for _, text := range texts {
		records = append(records, model.ObjectionRecord{
			Text:       text,
			Category:   model.CategoryOther,
			Confidence: model.DefaultConfidence,
		})
	}
	return records
}
