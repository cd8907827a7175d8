package main

import (
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/dedata/checkpay/internal/config"
	"github.com/dedata/checkpay/internal/queue"
	"github.com/dedata/checkpay/internal/repository"
	"github.com/dedata/checkpay/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "checkpay",
		Usage: "Daily check-in service paying token rewards on-chain",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.StringFlag{Name: "redis-addr", Aliases: []string{"r"}, Usage: "Redis address"},
			&cli.StringFlag{Name: "rpc-url", Aliases: []string{"b"}, Usage: "EVM JSON-RPC endpoint"},
			&cli.StringFlag{Name: "token-address", Aliases: []string{"s"}, Usage: "ERC20 reward token address"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the HTTP API",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "port", Usage: "API port"},
					&cli.BoolFlag{Name: "with-worker", Usage: "Also run the payout worker in this process"},
				},
				Action: serve,
			},
			{
				Name:  "worker",
				Usage: "Run the payout worker",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "metrics-port", Usage: "Port of the metrics endpoint"},
				},
				Action: runWorker,
			},
			{
				Name:   "recover",
				Usage:  "Re-enqueue interrupted payouts and expire stale check-ins, then exit",
				Action: recoverOnce,
			},
			{
				Name:   "migrate",
				Usage:  "Create or update the database schema",
				Action: migrate,
			},
			{
				Name:  "user",
				Usage: "Manage users",
				Subcommands: []*cli.Command{
					{
						Name:  "create",
						Usage: "Provision a user for a wallet",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "wallet", Required: true, Usage: "Wallet address receiving payouts"},
							&cli.Int64Flag{Name: "chain-id", Value: 137, Usage: "Chain the wallet signs in on"},
							&cli.BoolFlag{Name: "admin", Usage: "Grant the ADMIN role"},
						},
						Action: createUser,
					},
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// env holds what every command needs.
type env struct {
	cfg   *config.Config
	log   *logger.Logger
	db    *repository.PostgresDB
	redis *redis.Client
	queue *queue.RedisQueue
}

func setup(c *cli.Context) (*env, error) {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	log, err := logger.NewLogger(logger.Options{
		Development:   cfg.Development,
		Level:         cfg.LogLevel,
		FilePath:      cfg.LogFile,
		MaxSizeMB:     cfg.LogMaxSizeMB,
		MaxBackups:    cfg.LogMaxBackups,
		MaxAgeDays:    cfg.LogMaxAgeDays,
		CompressFiles: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Initialize database
	db, err := repository.NewPostgresDB(cfg.PostgresDSN(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	client := queue.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := client.Ping(c.Context).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &env{
		cfg:   cfg,
		log:   log,
		db:    db,
		redis: client,
		queue: queue.NewRedisQueue(client, queue.DefaultPrefix, cfg.DequeueTimeout, log),
	}, nil
}

func (e *env) close() {
	if err := e.redis.Close(); err != nil {
		e.log.Warn("Failed to close redis client", "error", err)
	}
	if err := e.db.Close(); err != nil {
		e.log.Warn("Failed to close database", "error", err)
	}
	e.log.Sync()
}

// applyFlags overrides environment values with flags that were set explicitly.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("redis-addr") {
		cfg.RedisAddr = c.String("redis-addr")
	}
	if c.IsSet("rpc-url") {
		cfg.RPCURL = c.String("rpc-url")
	}
	if c.IsSet("token-address") {
		cfg.TokenAddress = c.String("token-address")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("port") {
		cfg.APIPort = c.Int("port")
	}
	if c.IsSet("metrics-port") {
		cfg.MetricsPort = c.Int("metrics-port")
	}
}
