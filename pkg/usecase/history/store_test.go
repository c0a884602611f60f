package history_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/repository"
	"github.com/m-mizutani/vibe/pkg/usecase/history"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func record(text string, i int) model.ObjectionRecord {
	return model.ObjectionRecord{
		Text:        text,
		Category:    model.CategoryBudget,
		Subcategory: "Price",
		Confidence:  7,
		Timestamp:   baseTime.Add(time.Duration(i) * time.Minute),
	}
}

func texts(records []model.ObjectionRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Text
	}
	return out
}

func persisted(t *testing.T, repo repository.Repository) []model.ObjectionRecord {
	t.Helper()
	data, err := repo.GetBlob(context.Background(), repository.KeyHistory)
	gt.NoError(t, err)
	var records []model.ObjectionRecord
	gt.NoError(t, json.Unmarshal(data, &records))
	return records
}

func TestAddMoveToFront(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := history.New(repo)

	gt.NoError(t, store.Add(ctx, record("a", 0)))
	gt.NoError(t, store.Add(ctx, record("b", 1)))
	gt.NoError(t, store.Add(ctx, record("c", 2)))
	gt.Equal(t, texts(store.List()), []string{"c", "b", "a"})

	dup := record("a", 3)
	dup.Category = model.CategoryTiming
	dup.Confidence = 3
	gt.NoError(t, store.Add(ctx, dup))

	list := store.List()
	gt.Equal(t, texts(list), []string{"a", "c", "b"})
	gt.Equal(t, list[0].Category, model.CategoryTiming)
	gt.Equal(t, list[0].Confidence, 3)
	gt.True(t, list[0].Timestamp.Equal(dup.Timestamp))

	gt.Equal(t, texts(persisted(t, repo)), []string{"a", "c", "b"})
}

func TestAddIsExactMatch(t *testing.T) {
	ctx := context.Background()
	store := history.New(repository.NewMemory())

	gt.NoError(t, store.Add(ctx, record("Too expensive", 0)))
	gt.NoError(t, store.Add(ctx, record("too expensive", 1)))
	gt.Equal(t, store.Len(), 2)
}

func TestAddCapacity(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := history.New(repo)

	for i := 0; i < 10; i++ {
		gt.NoError(t, store.Add(ctx, record(fmt.Sprintf("objection %d", i), i)))
	}
	gt.Equal(t, store.Len(), 10)
	gt.Equal(t, store.List()[9].Text, "objection 0")

	gt.NoError(t, store.Add(ctx, record("objection 10", 10)))
	list := store.List()
	gt.A(t, list).Length(10)
	gt.Equal(t, list[0].Text, "objection 10")
	gt.Equal(t, list[9].Text, "objection 1")
	_, found := store.Find("objection 0")
	gt.False(t, found)

	gt.A(t, persisted(t, repo)).Length(10)
}

func TestAddNeverExceedsCapacityOrDuplicates(t *testing.T) {
	ctx := context.Background()
	store := history.New(repository.NewMemory(), history.WithCapacity(4))

	seq := []string{"a", "b", "a", "c", "d", "e", "b", "b", "f", "a", "c"}
	for i, text := range seq {
		gt.NoError(t, store.Add(ctx, record(text, i)))

		list := store.List()
		gt.True(t, len(list) <= 4)
		seen := map[string]bool{}
		for _, r := range list {
			gt.False(t, seen[r.Text])
			seen[r.Text] = true
		}
		gt.Equal(t, list[0].Text, text)
	}
	gt.Equal(t, texts(store.List()), []string{"c", "a", "f", "b"})
}

func TestAddRejectsEmptyText(t *testing.T) {
	store := history.New(repository.NewMemory())
	gt.Error(t, store.Add(context.Background(), record("   ", 0)))
	gt.Equal(t, store.Len(), 0)
}

func TestAddNormalizesRecord(t *testing.T) {
	store := history.New(repository.NewMemory())
	gt.NoError(t, store.Add(context.Background(), model.ObjectionRecord{
		Text:       "  is it secure?  ",
		Category:   "security",
		Confidence: 15,
	}))

	r := store.List()[0]
	gt.Equal(t, r.Text, "is it secure?")
	gt.Equal(t, r.Category, model.CategoryOther)
	gt.Equal(t, r.Confidence, 10)
}

func TestUpdateInPlace(t *testing.T) {
	ctx := context.Background()
	store := history.New(repository.NewMemory())
	gt.NoError(t, store.Add(ctx, record("a", 0)))
	gt.NoError(t, store.Add(ctx, record("b", 1)))
	gt.NoError(t, store.Add(ctx, record("c", 2)))

	updated := record("a", 0)
	updated.Category = model.CategoryCompetitor
	updated.Confidence = 9
	ok, err := store.Update(ctx, updated)
	gt.NoError(t, err)
	gt.True(t, ok)

	list := store.List()
	gt.Equal(t, texts(list), []string{"c", "b", "a"})
	gt.Equal(t, list[2].Category, model.CategoryCompetitor)
	gt.Equal(t, list[2].Confidence, 9)

	ok, err = store.Update(ctx, record("missing", 5))
	gt.NoError(t, err)
	gt.False(t, ok)
	gt.Equal(t, store.Len(), 3)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := history.New(repo)
	gt.NoError(t, store.Add(ctx, record("a", 0)))
	gt.NoError(t, store.Add(ctx, record("b", 1)))

	gt.NoError(t, store.Clear(ctx))
	gt.A(t, store.List()).Length(0)

	data, err := repo.GetBlob(ctx, repository.KeyHistory)
	gt.NoError(t, err)
	gt.Equal(t, string(data), "[]")

	reloaded := history.New(repo)
	gt.NoError(t, reloaded.Load(ctx))
	gt.A(t, reloaded.List()).Length(0)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		repo := repository.NewMemory()
		store := history.New(repo)
		gt.NoError(t, store.Add(ctx, record("a", 0)))
		gt.NoError(t, store.Add(ctx, record("b", 1)))

		reloaded := history.New(repo)
		gt.NoError(t, reloaded.Load(ctx))
		list := reloaded.List()
		gt.Equal(t, texts(list), []string{"b", "a"})
		gt.True(t, list[0].Timestamp.Equal(baseTime.Add(time.Minute)))
	})

	t.Run("missing blob", func(t *testing.T) {
		store := history.New(repository.NewMemory())
		gt.NoError(t, store.Load(ctx))
		gt.A(t, store.List()).Length(0)
	})

	t.Run("malformed blob", func(t *testing.T) {
		repo := repository.NewMemory()
		gt.NoError(t, repo.PutBlob(ctx, repository.KeyHistory, []byte(`{"not":"an array"`)))

		store := history.New(repo)
		gt.NoError(t, store.Load(ctx))
		gt.A(t, store.List()).Length(0)
	})

	t.Run("older text-only layout", func(t *testing.T) {
		repo := repository.NewMemory()
		gt.NoError(t, repo.PutBlob(ctx, repository.KeyHistory, []byte(`["too expensive","not sure"]`)))

		store := history.New(repo)
		gt.NoError(t, store.Load(ctx))
		list := store.List()
		gt.Equal(t, texts(list), []string{"too expensive", "not sure"})
		gt.Equal(t, list[0].Category, model.CategoryOther)
		gt.Equal(t, list[0].Confidence, 5)
	})

	t.Run("sanitizes entries", func(t *testing.T) {
		repo := repository.NewMemory()
		raw := `[
			{"text":"a","category":"budget","confidence":42,"timestamp":"2024-05-01T09:00:00Z"},
			{"text":"  ","category":"Budget","confidence":5,"timestamp":"2024-05-01T09:00:00Z"},
			{"text":"a","category":"Timing","confidence":3,"timestamp":"2024-05-01T08:00:00Z"},
			{"text":"b","category":"Nope","timestamp":"2024-05-01T07:00:00.000Z"}
		]`
		gt.NoError(t, repo.PutBlob(ctx, repository.KeyHistory, []byte(raw)))

		store := history.New(repo)
		gt.NoError(t, store.Load(ctx))
		list := store.List()
		gt.Equal(t, texts(list), []string{"a", "b"})
		gt.Equal(t, list[0].Category, model.CategoryBudget)
		gt.Equal(t, list[0].Confidence, 10)
		gt.Equal(t, list[1].Category, model.CategoryOther)
		gt.Equal(t, list[1].Confidence, 5)
	})

	t.Run("repository failure", func(t *testing.T) {
		store := history.New(&failingRepository{})
		gt.Error(t, store.Load(ctx))
	})
}

func TestFailedWriteKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	repo := &failingRepository{Memory: repository.NewMemory()}
	store := history.New(repo)
	gt.NoError(t, store.Add(ctx, record("a", 0)))

	repo.failPut = true
	gt.Error(t, store.Add(ctx, record("b", 1)))
	gt.Error(t, store.Clear(ctx))
	gt.Equal(t, texts(store.List()), []string{"a"})
	gt.Equal(t, texts(persisted(t, repo.Memory)), []string{"a"})
}

func TestInsertDoesNotModifyInput(t *testing.T) {
	in := []model.ObjectionRecord{record("a", 0), record("b", 1)}
	out := history.Insert(in, record("b", 2), 10)

	gt.Equal(t, texts(out), []string{"b", "a"})
	gt.Equal(t, texts(in), []string{"a", "b"})
}

type failingRepository struct {
	*repository.Memory
	failPut bool
}

func (f *failingRepository) GetBlob(ctx context.Context, key string) ([]byte, error) {
	if f.Memory == nil {
		return nil, goerr.New("connection refused")
	}
	return f.Memory.GetBlob(ctx, key)
}

func (f *failingRepository) PutBlob(ctx context.Context, key string, data []byte) error {
	if f.failPut || f.Memory == nil {
		return goerr.New("disk full")
	}
	return f.Memory.PutBlob(ctx, key, data)
}
