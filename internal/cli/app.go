package cli

import (
	"context"
	"errors"
	"fmt"

	"llamachat/internal/config"
	"llamachat/internal/credential"
	"llamachat/internal/pipeline"
	"llamachat/internal/prompt"
	"llamachat/internal/redis"
	"llamachat/internal/transcript"
	"llamachat/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// app is the wiring shared by serve and chat.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	store    *transcript.Store
	redis    *redis.Client
	manager  *worker.Manager
}

type appOptions struct {
	// mirror enables the redis session mirror when configured.
	mirror bool
}

func newApp(ctx context.Context, cfgPath string, opts appOptions) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	var schema string
	if cfg.BasicConfig.SchemaPath != "" {
		schema, err = prompt.LoadSchema(ctx, cfg.BasicConfig.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("load schema: %w", err)
		}
		logger.Info("schema loaded", zap.String("path", cfg.BasicConfig.SchemaPath), zap.Int("bytes", len(schema)))
	}

	wopts := worker.Options{
		Config:  cfg,
		Schema:  schema,
		Metrics: pipeline.NewMetrics(a.registry),
		Logger:  logger,
	}

	store, err := transcript.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open transcripts: %w", err)
	}
	if store != nil {
		a.store = store
		wopts.Recorder = store
	}

	if opts.mirror && cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		a.redis = rdb
		wopts.Redis = rdb
		cipher, err := credential.NewCipherFromEnv()
		switch {
		case errors.Is(err, credential.ErrNoKey):
			logger.Warn("session tokens are not mirrored", zap.String("missing", credential.KeyEnv))
		case err != nil:
			a.close()
			return nil, fmt.Errorf("token cipher: %w", err)
		default:
			wopts.Cipher = cipher
		}
	}

	manager, err := worker.NewManager(wopts)
	if err != nil {
		a.close()
		return nil, err
	}
	a.manager = manager
	return a, nil
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.Stop()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
