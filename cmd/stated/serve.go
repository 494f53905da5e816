package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/adeilh/rakh-state/cache"
	"github.com/adeilh/rakh-state/cache/goredis"
	rediscache "github.com/adeilh/rakh-state/cache/redis"
	"github.com/adeilh/rakh-state/db/sql/postgres"
	"github.com/adeilh/rakh-state/httpx"
	"github.com/adeilh/rakh-state/internal/config"
	"github.com/adeilh/rakh-state/internal/logutils"
	"github.com/adeilh/rakh-state/state"
)

type ServeCmd struct {
	flags     *Flags
	overrides config.Overrides
}

func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application.
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Serve the state store over HTTP",
		UsageText: "stated serve [options]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "HTTP listen address",
				Sources:     cli.EnvVars("STATED_HTTP_ADDR"),
				Destination: &cmd.overrides.HTTPAddress,
			},
			&cli.StringFlag{
				Name:        "dsn",
				Usage:       "PostgreSQL connection string",
				Sources:     cli.EnvVars("STATED_DSN"),
				Destination: &cmd.overrides.DSN,
			},
			&cli.StringFlag{
				Name:        "cache-addr",
				Usage:       "Redis address; caching is disabled when empty",
				Sources:     cli.EnvVars("STATED_CACHE_ADDR"),
				Destination: &cmd.overrides.CacheAddr,
			},
			&cli.StringFlag{
				Name:        "cache-driver",
				Usage:       "cache client (go-redis, resp)",
				Sources:     cli.EnvVars("STATED_CACHE_DRIVER"),
				Destination: &cmd.overrides.CacheDriver,
			},
			&cli.BoolFlag{
				Name:        "safe-writes",
				Usage:       "wait for durable acknowledgement on writes and deletes",
				Sources:     cli.EnvVars("STATED_SAFE_WRITES"),
				Destination: &cmd.overrides.SafeWrites,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	o := cmd.overrides
	if c.IsSet("log-level") {
		o.LogLevel = cmd.flags.LogLevel
	}
	cfg, err := config.Load(cmd.flags.ConfigPath, o)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logFile := cfg.LogFile
	if cmd.flags.LogFile != "" {
		logFile = cmd.flags.LogFile
	}
	logger, closer, err := logutils.New(cfg.LogLevel, logFile)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer closer()

	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	status, err := store.Connect(ctx)
	if err != nil {
		logger.Error().Err(err).Bool("durable_up", status.DurableUp).Msg("connect state store")
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("close state store")
		}
	}()

	server := httpx.NewServer(
		httpx.WithAddress(cfg.HTTP.Address),
		httpx.WithTimeouts(cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout),
		httpx.WithShutdownTimeout(cfg.HTTP.ShutdownTimeout),
		httpx.WithLogger(logger.With().Str("component", "http").Logger()),
	)
	server.RegisterRoutes(httpx.StateRoutes(store))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func buildStore(cfg *config.Config, logger zerolog.Logger) (*state.Store, error) {
	pgOpts := []postgres.Option{
		postgres.WithDSN(cfg.Durable.DSN),
		postgres.WithSchema(cfg.Durable.Schema),
		postgres.WithTable(cfg.Durable.Table),
		postgres.WithMaxOpenConns(cfg.Durable.MaxOpenConns),
		postgres.WithMaxIdleConns(cfg.Durable.MaxIdleConns),
		postgres.WithConnMaxLifetime(cfg.Durable.ConnMaxLifetime),
	}
	if cfg.Durable.SkipMigrations {
		pgOpts = append(pgOpts, postgres.WithoutMigrations())
	}
	durable, err := postgres.NewStateStore(pgOpts...)
	if err != nil {
		return nil, err
	}

	opts := []state.Option{state.WithLogger(logger.With().Str("component", "state").Logger())}
	if cfg.Cache.Enabled() {
		c, err := newCache(cfg.Cache)
		if err != nil {
			return nil, err
		}
		opts = append(opts, state.WithCache(c), state.WithCacheTTL(cfg.Cache.TTL()))
	}
	if cfg.SafeWrites {
		opts = append(opts, state.WithSafeWrites())
	}
	return state.New(durable, opts...)
}

func newCache(cc config.CacheConfig) (cache.Store, error) {
	switch cc.Driver {
	case config.DriverGoRedis, "":
		store, err := goredis.NewStore(&goredislib.Options{
			Addr:     cc.Addr,
			Password: cc.Password,
			DB:       cc.DB,
			PoolSize: cc.PoolSize,
		}, goredis.WithKeyPrefix(cc.KeyPrefix))
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverRESP:
		store, err := rediscache.NewStore(rediscache.Options{
			Addr:      cc.Addr,
			Password:  cc.Password,
			DB:        cc.DB,
			PoolSize:  cc.PoolSize,
			KeyPrefix: cc.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cc.Driver)
	}
}
