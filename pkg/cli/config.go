package cli

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/adapter"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/policy"
	"github.com/m-mizutani/vibe/pkg/repository"
	"github.com/m-mizutani/vibe/pkg/usecase/detect"
	"github.com/m-mizutani/vibe/pkg/usecase/reply"
	"github.com/m-mizutani/vibe/pkg/usecase/session"
	"github.com/m-mizutani/vibe/pkg/utils/logging"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	logLevel string

	// Repository
	backend        string
	dataDir        string
	redisAddr      string
	redisPassword  string
	redisPrefix    string
	project        string
	database       string
	collection     string
	bucket         string
	bucketPrefix   string
	gcsCredentials string

	// Oracle
	provider       string
	apiKey         string
	openaiModel    string
	openaiBaseURL  string
	claudeModel    string
	claudeBaseURL  string
	geminiProject  string
	geminiLocation string
	geminiModel    string
	timeout        time.Duration

	// Detection
	signalFile string
	policyDir  string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Aliases:     []string{"l"},
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("VIBE_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "backend",
			Aliases:     []string{"b"},
			Usage:       "Where history and the API key are kept (file, memory, sqlite, redis, firestore, gcs)",
			Value:       "file",
			Sources:     cli.EnvVars("VIBE_BACKEND"),
			Destination: &cfg.backend,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "Directory for the file and sqlite backends (default: user config dir)",
			Sources:     cli.EnvVars("VIBE_DATA_DIR"),
			Destination: &cfg.dataDir,
		},
		&cli.StringFlag{
			Name:        "redis-addr",
			Usage:       "Redis address for the redis backend",
			Value:       "localhost:6379",
			Sources:     cli.EnvVars("VIBE_REDIS_ADDR"),
			Destination: &cfg.redisAddr,
		},
		&cli.StringFlag{
			Name:        "redis-password",
			Usage:       "Redis password",
			Sources:     cli.EnvVars("VIBE_REDIS_PASSWORD"),
			Destination: &cfg.redisPassword,
		},
		&cli.StringFlag{
			Name:        "redis-prefix",
			Usage:       "Key prefix for the redis backend",
			Value:       "vibe:",
			Sources:     cli.EnvVars("VIBE_REDIS_PREFIX"),
			Destination: &cfg.redisPrefix,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID for the firestore backend",
			Sources:     cli.EnvVars("VIBE_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("VIBE_FIRESTORE_DATABASE_ID", "FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "collection",
			Usage:       "Firestore collection for session blobs",
			Value:       "vibe",
			Sources:     cli.EnvVars("VIBE_FIRESTORE_COLLECTION"),
			Destination: &cfg.collection,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for the gcs backend",
			Sources:     cli.EnvVars("VIBE_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "bucket-prefix",
			Usage:       "Object name prefix in the bucket",
			Value:       "vibe/",
			Sources:     cli.EnvVars("VIBE_BUCKET_PREFIX"),
			Destination: &cfg.bucketPrefix,
		},
		&cli.StringFlag{
			Name:        "gcs-credentials",
			Usage:       "Service account key file for Cloud Storage (default: application default credentials)",
			Sources:     cli.EnvVars("VIBE_GCS_CREDENTIALS"),
			Destination: &cfg.gcsCredentials,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "provider",
			Usage:       "Reply generator (openai, claude, gemini)",
			Value:       "openai",
			Sources:     cli.EnvVars("VIBE_PROVIDER"),
			Destination: &cfg.provider,
		},
		&cli.StringFlag{
			Name:        "api-key",
			Usage:       "API key, used instead of the stored one",
			Sources:     cli.EnvVars("VIBE_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.apiKey,
		},
		&cli.StringFlag{
			Name:        "openai-model",
			Usage:       "OpenAI model",
			Value:       "gpt-4o",
			Sources:     cli.EnvVars("VIBE_OPENAI_MODEL"),
			Destination: &cfg.openaiModel,
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Usage:       "OpenAI compatible endpoint",
			Sources:     cli.EnvVars("VIBE_OPENAI_BASE_URL"),
			Destination: &cfg.openaiBaseURL,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model",
			Value:       "claude-sonnet-4-5",
			Sources:     cli.EnvVars("VIBE_CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.StringFlag{
			Name:        "claude-base-url",
			Usage:       "Anthropic API endpoint",
			Sources:     cli.EnvVars("VIBE_CLAUDE_BASE_URL"),
			Destination: &cfg.claudeBaseURL,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("VIBE_GEMINI_PROJECT", "GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("VIBE_GEMINI_LOCATION", "GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini model",
			Value:       "gemini-2.5-flash",
			Sources:     cli.EnvVars("VIBE_GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Time limit for one reply",
			Value:       reply.DefaultTimeout,
			Sources:     cli.EnvVars("VIBE_TIMEOUT"),
			Destination: &cfg.timeout,
		},
	}
}

// detectFlags returns flags that tune which utterances become objections
func detectFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "signals",
			Usage:       "YAML file with extra objection phrases",
			Sources:     cli.EnvVars("VIBE_SIGNAL_FILE"),
			Destination: &cfg.signalFile,
		},
		&cli.StringFlag{
			Name:        "policy",
			Usage:       "Directory of Rego policies that can veto detected objections",
			Sources:     cli.EnvVars("VIBE_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
}

// withLogger attaches a logger built from the log level flag
func (cfg *config) withLogger(ctx context.Context) context.Context {
	logger := logging.New(cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

func (cfg *config) dataDirectory() (string, error) {
	if cfg.dataDir != "" {
		return cfg.dataDir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", goerr.Wrap(err, "failed to find user config dir, set --data-dir")
	}
	return filepath.Join(base, "vibe"), nil
}

// newRepository creates a new repository instance. The returned function releases it.
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, func(), error) {
	nop := func() {}

	switch cfg.backend {
	case "memory":
		return repository.NewMemory(), nop, nil

	case "file", "":
		dir, err := cfg.dataDirectory()
		if err != nil {
			return nil, nil, err
		}
		repo, err := repository.NewFile(dir)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, nop, nil

	case "sqlite":
		dir, err := cfg.dataDirectory()
		if err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create data dir", goerr.V("dir", dir))
		}
		repo, err := repository.NewSQLite(ctx, filepath.Join(dir, "vibe.db"))
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, cfg.closer(ctx, repo.Close), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
		})
		repo := repository.NewRedis(client, repository.WithRedisPrefix(cfg.redisPrefix))
		return repo, cfg.closer(ctx, repo.Close), nil

	case "firestore":
		if cfg.project == "" {
			return nil, nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, nil, goerr.New("database is required")
		}
		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database,
			repository.WithFirestoreCollection(cfg.collection))
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, cfg.closer(ctx, repo.Close), nil

	case "gcs":
		st, err := cfg.newStorage(ctx)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewCloudStorage(st, cfg.bucketPrefix), nop, nil

	default:
		return nil, nil, goerr.New("unsupported backend",
			goerr.V("backend", cfg.backend),
			goerr.V("supported", []string{"file", "memory", "sqlite", "redis", "firestore", "gcs"}))
	}
}

func (cfg *config) closer(ctx context.Context, fn func() error) func() {
	return func() {
		if err := fn(); err != nil {
			logging.From(ctx).Warn("failed to close repository", "error", err)
		}
	}
}

// newStorage creates a new Storage adapter instance
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, goerr.New("bucket name is required")
	}

	storage, err := adapter.NewStorage(ctx, cfg.bucket, cfg.gcsCredentials)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// newOracle creates the reply generator. The second value reports whether it takes
// its API key from the credential store.
func (cfg *config) newOracle(ctx context.Context) (interfaces.Oracle, bool, error) {
	switch cfg.provider {
	case "openai", "":
		opts := []adapter.OpenAIOption{adapter.WithOpenAIModel(cfg.openaiModel)}
		if cfg.openaiBaseURL != "" {
			opts = append(opts, adapter.WithOpenAIBaseURL(cfg.openaiBaseURL))
		}
		return adapter.NewOpenAI(opts...), true, nil

	case "claude":
		opts := []adapter.ClaudeOption{adapter.WithClaudeModel(cfg.claudeModel)}
		if cfg.claudeBaseURL != "" {
			opts = append(opts, adapter.WithClaudeBaseURL(cfg.claudeBaseURL))
		}
		return adapter.NewClaude(opts...), true, nil

	case "gemini":
		if cfg.geminiProject == "" {
			return nil, false, goerr.New("gemini-project is required")
		}
		if cfg.geminiLocation == "" {
			return nil, false, goerr.New("gemini-location is required")
		}
		gemini, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation,
			adapter.WithGenerativeModel(cfg.geminiModel))
		if err != nil {
			return nil, false, err
		}
		return gemini, false, nil

	default:
		return nil, false, goerr.New("unsupported provider",
			goerr.V("provider", cfg.provider),
			goerr.V("supported", []string{"openai", "claude", "gemini"}))
	}
}

// newDetector builds the objection detector with the optional signal file
func (cfg *config) newDetector() (*detect.Detector, error) {
	if cfg.signalFile == "" {
		return detect.New(), nil
	}
	extra, err := detect.LoadSignalFile(cfg.signalFile)
	if err != nil {
		return nil, err
	}
	return detect.New(extra...), nil
}

// newSession wires the oracle, detector and policy into a session on repo
func (cfg *config) newSession(ctx context.Context, repo repository.Repository, opts ...session.Option) (*session.Session, error) {
	oracle, gated, err := cfg.newOracle(ctx)
	if err != nil {
		return nil, err
	}

	detector, err := cfg.newDetector()
	if err != nil {
		return nil, err
	}

	var accept *policy.Policy
	if cfg.policyDir != "" {
		accept, err = policy.Load(ctx, cfg.policyDir)
		if err != nil {
			return nil, err
		}
		if accept == nil {
			logging.From(ctx).Warn("no policy file found", "dir", cfg.policyDir)
		}
	}

	base := []session.Option{
		session.WithDetector(detector),
		session.WithPolicy(accept),
		session.WithReplyOptions(reply.WithTimeout(cfg.timeout)),
	}
	if cfg.apiKey != "" {
		base = append(base, session.WithCredentialOverride(cfg.apiKey))
	}
	if !gated {
		base = append(base, session.WithoutCredentialGate())
	}

	sess, err := session.New(ctx, oracle, repo, append(base, opts...)...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create session")
	}
	return sess, nil
}
