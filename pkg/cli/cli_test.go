package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/repository"
	"github.com/m-mizutani/vibe/pkg/usecase/session"
)

type fixedOracle struct {
	text string
}

func (f *fixedOracle) Complete(ctx context.Context, req *interfaces.OracleRequest) (string, error) {
	return f.text, nil
}

func TestNewRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := &config{backend: "memory"}
		repo, closeRepo, err := cfg.newRepository(ctx)
		gt.NoError(t, err)
		defer closeRepo()
		_, ok := repo.(*repository.Memory)
		gt.True(t, ok)
	})

	t.Run("file in data dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")
		cfg := &config{backend: "file", dataDir: dir}
		repo, closeRepo, err := cfg.newRepository(ctx)
		gt.NoError(t, err)
		defer closeRepo()

		gt.NoError(t, repo.PutBlob(ctx, repository.KeyHistory, []byte("[]")))
		_, err = os.Stat(dir)
		gt.NoError(t, err)
	})

	t.Run("sqlite in data dir", func(t *testing.T) {
		cfg := &config{backend: "sqlite", dataDir: t.TempDir()}
		_, closeRepo, err := cfg.newRepository(ctx)
		gt.NoError(t, err)
		closeRepo()
	})

	t.Run("firestore needs a project", func(t *testing.T) {
		cfg := &config{backend: "firestore", database: "(default)"}
		_, _, err := cfg.newRepository(ctx)
		gt.Error(t, err)
	})

	t.Run("gcs needs a bucket", func(t *testing.T) {
		cfg := &config{backend: "gcs"}
		_, _, err := cfg.newRepository(ctx)
		gt.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := &config{backend: "tape"}
		_, _, err := cfg.newRepository(ctx)
		gt.Error(t, err)
	})
}

func TestNewOracle(t *testing.T) {
	ctx := context.Background()

	_, gated, err := (&config{provider: "openai", openaiModel: "gpt-4o"}).newOracle(ctx)
	gt.NoError(t, err)
	gt.True(t, gated)

	_, gated, err = (&config{provider: "claude", claudeModel: "claude-sonnet-4-5"}).newOracle(ctx)
	gt.NoError(t, err)
	gt.True(t, gated)

	_, _, err = (&config{provider: "gemini"}).newOracle(ctx)
	gt.Error(t, err)

	_, _, err = (&config{provider: "parrot"}).newOracle(ctx)
	gt.Error(t, err)
}

func TestNewDetectorWithSignalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signals.yaml")
	gt.NoError(t, os.WriteFile(path, []byte("signals:\n  - procurement\n"), 0600))

	d, err := (&config{signalFile: path}).newDetector()
	gt.NoError(t, err)
	gt.True(t, d.Detect("We have to go through procurement first."))
	gt.False(t, d.Detect("Sounds good."))

	_, err = (&config{signalFile: filepath.Join(t.TempDir(), "missing.yaml")}).newDetector()
	gt.Error(t, err)
}

func TestInteractiveCommands(t *testing.T) {
	ctx := context.Background()
	oracle := &fixedOracle{text: `{"reply":"Fair point, let's compare plans.","confidence":8,"category":"Budget","subcategory":"Price"}`}
	sess, err := session.New(ctx, oracle, repository.NewMemory())
	gt.NoError(t, err)
	defer sess.Close()

	var out bytes.Buffer
	run := func(line string) error {
		t.Helper()
		quit, err := runCommand(ctx, sess, &out, line)
		gt.False(t, quit)
		return err
	}

	gt.Error(t, run("/key not-a-key"))
	gt.NoError(t, run("/key sk-abcdef1234"))
	gt.S(t, out.String()).Contains("sk-****1234")
	gt.True(t, sess.State().APIKeyPresent)

	_, err = sess.HandleUtterance(ctx, "Is this too expensive?")
	gt.NoError(t, err)

	out.Reset()
	gt.NoError(t, run("/history"))
	gt.S(t, out.String()).Contains("Is this too expensive?")

	gt.NoError(t, run("/replay 1"))
	gt.Error(t, run("/replay 2"))
	gt.Error(t, run("/replay x"))
	gt.NoError(t, run("/regenerate"))

	out.Reset()
	gt.NoError(t, run("/state"))
	gt.S(t, out.String()).Contains("history: 1")
	gt.S(t, out.String()).Contains("compare plans")

	gt.NoError(t, run("/clear"))
	gt.Equal(t, sess.State().HistoryCount, 0)

	gt.NoError(t, run("/key clear"))
	gt.False(t, sess.State().APIKeyPresent)

	// no recognizer in this session
	gt.Error(t, run("/start"))
	gt.Error(t, run("/bogus"))

	quit, err := runCommand(ctx, sess, &out, "/quit")
	gt.NoError(t, err)
	gt.True(t, quit)
}
