package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dedata/checkpay/internal/auth"
	"github.com/dedata/checkpay/internal/blockchain"
	"github.com/dedata/checkpay/internal/checkin"
	"github.com/dedata/checkpay/internal/config"
	"github.com/dedata/checkpay/internal/http_api"
	"github.com/dedata/checkpay/internal/metrics"
	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/internal/networks"
	"github.com/dedata/checkpay/internal/notificator"
	"github.com/dedata/checkpay/internal/payment"
	"github.com/dedata/checkpay/internal/ratelimit"
	"github.com/dedata/checkpay/internal/worker"
	"github.com/dedata/checkpay/internal/x402"
	"github.com/dedata/checkpay/pkg/logger"
	"github.com/dedata/checkpay/pkg/validation"
)

func serve(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.cfg.ValidateAPI(); err != nil {
		return err
	}
	loc, err := e.cfg.Location()
	if err != nil {
		return err
	}

	x402Client := x402.NewClient(e.cfg.X402BaseURL, e.cfg.X402APIToken, e.cfg.X402MerchantID, e.log.With("component", "x402"))

	// the gateway stays a nil interface when check-ins are free
	var gateway models.PaymentGateway
	if e.cfg.X402Enabled {
		gateway = payment.NewGateway(x402Client, e.redis, payment.Pricing{
			PriceAmount:    e.cfg.X402PriceAmount,
			BlockchainType: e.cfg.X402BlockchainType,
			TokenSymbol:    e.cfg.X402TokenSymbol,
		}, e.log.With("component", "payment"))
	}

	service := checkin.NewService(e.db, e.queue, ratelimit.NewDailyLimiter(e.redis), gateway, checkin.Options{
		DailyReward:   e.cfg.DailyReward,
		MaxRetryCount: e.cfg.MaxRetryCount,
		Location:      loc,
	}, e.log.With("component", "checkin"))

	networkService := networks.NewService(x402Client, e.log.With("component", "networks"))
	networkService.StartPeriodicUpdate()
	defer networkService.Stop()

	signIn := auth.NewService(e.db, auth.Options{
		JWTSecret: e.cfg.JWTSecret,
		TokenTTL:  e.cfg.JWTExpiry,
		NonceTTL:  e.cfg.AuthNonceTTL,
		ChainID:   e.cfg.ChainID.Int64(),
	}, e.log.With("component", "auth"))

	server := http_api.NewHTTPServer(service, signIn, e.queue, networkService, map[string]http_api.HealthCheck{
		"postgres": e.db.Ping,
		"redis":    func(ctx context.Context) error { return e.redis.Ping(ctx).Err() },
	}, http_api.Options{
		Port:           e.cfg.APIPort,
		JWTSecret:      e.cfg.JWTSecret,
		CORSOrigins:    e.cfg.CORSOrigins,
		RateLimitRPS:   e.cfg.APIRateLimitRPS,
		RateLimitBurst: e.cfg.APIRateLimitBurst,
		Development:    e.cfg.Development,
	}, e.log)

	var w *worker.Worker
	var notif *notificator.Notificator
	if c.Bool("with-worker") {
		w, notif, err = newWorker(c.Context, e)
		if err != nil {
			return err
		}
		if err := w.Start(c.Context); err != nil {
			return err
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	runErr := waitForShutdown(e, serverErr, w)

	if err := server.Shutdown(); err != nil {
		e.log.Error("Failed to shut down HTTP server", "error", err)
	}
	if w != nil {
		w.Drain(e.cfg.ShutdownGrace)
		w.Stop()
		notif.Wait()
	}
	return runErr
}

func runWorker(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	w, notif, err := newWorker(c.Context, e)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", e.cfg.MetricsPort),
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		e.log.Info("Starting metrics server", "address", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("metrics server failed: %w", err)
		}
	}()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	err = w.Start(ctx)
	stop()
	if err != nil {
		return err
	}

	runErr := waitForShutdown(e, serverErr, w)

	w.Drain(e.cfg.ShutdownGrace)
	w.Stop()
	notif.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		e.log.Warn("Failed to shut down metrics server", "error", err)
	}
	return runErr
}

// waitForShutdown blocks until a signal arrives, a server fails or the worker reports a fatal error.
func waitForShutdown(e *env, serverErr <-chan error, w *worker.Worker) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var fatal <-chan error
	if w != nil {
		fatal = w.Fatal()
	}

	select {
	case sig := <-quit:
		e.log.Info("Shutting down", "signal", sig.String())
		return nil
	case err := <-serverErr:
		if err != nil {
			e.log.Error("Server stopped", "error", err)
		}
		return err
	case err := <-fatal:
		e.log.Error("Payout worker failed, shutting down", "error", err)
		return err
	}
}

func newWorker(ctx context.Context, e *env) (*worker.Worker, *notificator.Notificator, error) {
	if err := e.cfg.ValidateWorker(); err != nil {
		return nil, nil, err
	}

	var secrets blockchain.SecretsAPI
	if e.cfg.PayoutPrivateKey == "" {
		client, err := blockchain.NewSecretsClient(ctx, e.cfg.AWSRegion)
		if err != nil {
			return nil, nil, err
		}
		secrets = client
	}
	key, err := blockchain.LoadPrivateKey(ctx, e.cfg.PayoutPrivateKey, e.cfg.PayoutKeySecretID, secrets)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load payout key: %w", err)
	}

	chain := blockchain.NewEthereum(blockchain.Settings{
		RPCURL:         e.cfg.RPCURL,
		ChainID:        e.cfg.ChainID,
		TokenAddress:   e.cfg.TokenAddress,
		MinGasGwei:     e.cfg.MinGasPriceGwei,
		GasLimit:       e.cfg.GasLimit,
		Confirmations:  e.cfg.Confirmations,
		MaxAttempts:    e.cfg.RPCMaxAttempts,
		ConfirmTimeout: e.cfg.ConfirmTimeout,
	}, key, e.log.With("component", "ethereum"))

	notif, err := newNotificator(ctx, e)
	if err != nil {
		return nil, nil, err
	}

	hostname, _ := os.Hostname()
	w := worker.NewWorker(e.db, e.queue, chain, notif, worker.Options{
		MaxRetryCount:  e.cfg.MaxRetryCount,
		IdleBackoff:    e.cfg.WorkerIdleBackoff,
		RecoveryWindow: e.cfg.RecoveryWindow,
		CheckInTimeout: e.cfg.CheckInTimeout,
		ReconcileAfter: e.cfg.ReconcileAfter,
		SweepSchedule:  e.cfg.SweepSchedule,
		LeaseTTL:       e.cfg.LeaseTTL,
		InstanceID:     fmt.Sprintf("%s-%d", hostname, os.Getpid()),
	}, e.log)
	return w, notif, nil
}

func newNotificator(ctx context.Context, e *env) (*notificator.Notificator, error) {
	var tel *notificator.TelegramNotificator
	if e.cfg.TelegramBotToken != "" && e.cfg.TelegramOperatorChatID != "" {
		var err error
		tel, err = notificator.NewTelegramNotificator(e.log.With("component", "telegram"), e.cfg.TelegramBotToken, e.cfg.TelegramOperatorChatID, e.queue)
		if err != nil {
			return nil, err
		}
		tel.Start(ctx)
	}

	var email *notificator.EmailNotificator
	if e.cfg.SMTPHost != "" && e.cfg.OperatorEmail != "" {
		var recipients []string
		for _, r := range strings.Split(e.cfg.OperatorEmail, ",") {
			if r = strings.TrimSpace(r); r != "" {
				recipients = append(recipients, r)
			}
		}
		email = notificator.NewEmailNotificator(e.log.With("component", "email"),
			e.cfg.SMTPHost, e.cfg.SMTPPort, e.cfg.SMTPUser, e.cfg.SMTPPassword, e.cfg.SMTPSender, recipients)
	}

	if tel == nil && email == nil {
		e.log.Warn("No operator alert channel configured, alerts are only logged")
	}
	return notificator.NewNotificator(e.log.With("component", "notificator"), tel, email), nil
}

func recoverOnce(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()
	return runRecovery(c.Context, e.db, e.queue, e.cfg, e.log, os.Stdout)
}

// runRecovery recovers once under the signer lease and refuses while a worker holds it.
func runRecovery(ctx context.Context, repo models.Repository, q models.PayoutQueue, cfg *config.Config, log *logger.Logger, out io.Writer) error {
	// recovery does not send transfers, the chain client is never dialed
	w := worker.NewWorker(repo, q, noChain{}, notificator.NewNotificator(log, nil, nil), worker.Options{
		MaxRetryCount:  cfg.MaxRetryCount,
		RecoveryWindow: cfg.RecoveryWindow,
		CheckInTimeout: cfg.CheckInTimeout,
		ReconcileAfter: cfg.ReconcileAfter,
		LeaseTTL:       cfg.LeaseTTL,
	}, log)

	report, err := w.RecoverExclusive(ctx)
	if errors.Is(err, worker.ErrSignerBusy) {
		return fmt.Errorf("a payout worker is running, stop it before recovering: %w", err)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "requeued=%d discarded=%d stale_check_ins=%d\n", report.Requeued, report.DiscardedEntries, report.StaleCheckIns)
	return nil
}

func migrate(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.db.Migrate(); err != nil {
		return err
	}
	e.log.Info("Database schema is up to date")
	return nil
}

func createUser(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	wallet, err := validation.ValidateAndNormalizeAddress(c.String("wallet"))
	if err != nil {
		return fmt.Errorf("invalid wallet: %w", err)
	}
	did, err := validation.DeriveDID(wallet, c.Int64("chain-id"))
	if err != nil {
		return err
	}

	user := &models.User{
		DID:           did,
		WalletAddress: wallet,
		ChainID:       c.Int64("chain-id"),
		Role:          models.UserRoleUser,
		Status:        models.UserStatusActive,
	}
	if c.Bool("admin") {
		user.Role = models.UserRoleAdmin
	}
	if err := e.db.CreateUser(c.Context, user); err != nil {
		return err
	}
	fmt.Printf("created user %s (%s, %s)\n", user.ID, user.DID, user.Role)
	return nil
}

// noChain stands in for the transferer where no transfer may happen.
type noChain struct{}

var errNoChain = errors.New("chain access is not available in this command")

func (noChain) Connect(context.Context) error { return errNoChain }

func (noChain) SenderBalance(context.Context) (*big.Int, error) { return nil, errNoChain }

func (noChain) Transfer(context.Context, string, *big.Int) (*models.Broadcast, error) {
	return nil, errNoChain
}

func (noChain) Rebroadcast(context.Context, string) error { return errNoChain }

func (noChain) WaitConfirmed(context.Context, string) error { return errNoChain }

func (noChain) TransactionStatus(context.Context, string) (models.TxStatus, error) {
	return models.TxUnknown, errNoChain
}

func (noChain) Close() error { return nil }
