package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/x402-labs/agentpay/internal/balance"
	"github.com/x402-labs/agentpay/internal/bus"
	"github.com/x402-labs/agentpay/internal/chain"
	"github.com/x402-labs/agentpay/internal/config"
	"github.com/x402-labs/agentpay/internal/coordinator"
	"github.com/x402-labs/agentpay/internal/executor"
	"github.com/x402-labs/agentpay/internal/facilitator"
	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/scheduler"
	"github.com/x402-labs/agentpay/internal/session"
	"github.com/x402-labs/agentpay/internal/store"
)

// env holds the wired application components.
type env struct {
	Store       store.Store
	Bus         *bus.Bus
	Ledger      *ledger.Ledger
	Chain       chain.Client
	Monitor     *balance.Monitor
	Sessions    *session.Registry
	Facilitator *facilitator.Client
	Coordinator *coordinator.Coordinator
	Executor    *executor.Executor
	Scheduler   *scheduler.Scheduler
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "postgres", "":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the postgres driver")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildChain returns nil (not an error) when no signer is configured so
// read-only commands still work; payment paths fail with SignerUnavailable.
func buildChain(cfg *config.Config) chain.Client {
	if cfg.Solana.SignerPrivateKey == "" {
		zap.L().Warn("no signer key configured; payment execution disabled")
		return nil
	}
	c, err := chain.New(chain.Config{
		RPCURL:           cfg.Solana.RPCURL,
		SignerPrivateKey: cfg.Solana.SignerPrivateKey,
		Commitment:       cfg.Solana.Commitment,
		ConfirmTimeout:   time.Duration(cfg.Solana.ConfirmTimeoutSecs) * time.Second,
	})
	if err != nil {
		zap.L().Error("chain client unavailable", zap.Error(err))
		return nil
	}
	return c
}

// newEnv wires every component against the configured store.
func newEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b := bus.New(bus.DefaultBufferSize)
	led := ledger.New(st, b)
	chainClient := buildChain(cfg)

	mon := balance.NewMonitor(st, b, led, chainClient, balance.Config{
		Threshold:    cfg.Balance.Threshold,
		PollInterval: time.Duration(cfg.Balance.PollIntervalSecs) * time.Second,
	})

	reg := session.NewRegistry(st, led, session.Policy{
		AllowExpiredRefresh: cfg.Session.AllowExpiredRefresh,
	})

	fac := facilitator.New(cfg.Facilitator.BaseURL, cfg.Facilitator.Secret, led)
	coord := coordinator.New(st, led, b, cfg.Facilitator.BaseURL)

	exec := executor.New(executor.Config{
		Store:       st,
		Ledger:      led,
		Bus:         b,
		Monitor:     mon,
		Sessions:    reg,
		Chain:       chainClient,
		Facilitator: fac,
		Recipient:   cfg.Payment.RecipientPublicKey,
	})

	walletKey := ""
	if chainClient != nil {
		walletKey = chainClient.SignerAddress()
	}
	sched := scheduler.New(st, led, b, coord, exec, mon, reg, scheduler.Config{
		Interval:          time.Duration(cfg.Autonomy.QueueIntervalSecs) * time.Second,
		MinRunScore:       cfg.Autonomy.MinRunScore,
		MaxBackoff:        time.Duration(cfg.Autonomy.MaxBackoffSecs) * time.Second,
		WalletKey:         walletKey,
		SessionSignatures: cfg.Session.MaxSignatures,
		SessionTTL:        time.Duration(cfg.Session.ExpirySecs) * time.Second,
	})

	return &env{
		Store:       st,
		Bus:         b,
		Ledger:      led,
		Chain:       chainClient,
		Monitor:     mon,
		Sessions:    reg,
		Facilitator: fac,
		Coordinator: coord,
		Executor:    exec,
		Scheduler:   sched,
	}, nil
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Error("store close failed", zap.Error(err))
	}
}
