package history

import (
	"github.com/m-mizutani/vibe/pkg/model"
)

// List returns a copy of the records, most recent first
func (s *Store) List() []model.ObjectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]model.ObjectionRecord{}, s.records...)
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

// Find returns the stored record with exactly the given text
func (s *Store) Find(text string) (model.ObjectionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.Text == text {
			return r, true
		}
	}
	return model.ObjectionRecord{}, false
}

// Insert returns a new sequence with rec at the front, any earlier record with the
// same text removed, and at most capacity entries. records is not modified.
func Insert(records []model.ObjectionRecord, rec model.ObjectionRecord, capacity int) []model.ObjectionRecord {
	next := make([]model.ObjectionRecord, 0, len(records)+1)
	next = append(next, rec)
	for _, r := range records {
		if r.Text == rec.Text {
			continue
		}
		next = append(next, r)
	}

	if capacity > 0 && len(next) > capacity {
		next = next[:capacity]
	}
	return next
}

// Replace returns a copy of records where the entry with rec's text is replaced by
// rec. The second value is false if no entry matched.
func Replace(records []model.ObjectionRecord, rec model.ObjectionRecord) ([]model.ObjectionRecord, bool) {
	for i, r := range records {
		if r.Text != rec.Text {
			continue
		}
		next := append([]model.ObjectionRecord{}, records...)
		next[i] = rec
		return next, true
	}
	return nil, false
}

// Sanitize normalizes records loaded from storage: empty texts are dropped, fields
// are forced into their domains, and the dedup and capacity rules are re-applied
// keeping the first (most recent) occurrence of each text.
func Sanitize(records []model.ObjectionRecord, capacity int) []model.ObjectionRecord {
	out := make([]model.ObjectionRecord, 0, len(records))
	seen := make(map[string]struct{}, len(records))

	for _, r := range records {
		r = r.Normalize()
		if r.Text == "" {
			continue
		}
		if _, ok := seen[r.Text]; ok {
			continue
		}
		seen[r.Text] = struct{}{}
		out = append(out, r)
		if capacity > 0 && len(out) == capacity {
			break
		}
	}
	return out
}
