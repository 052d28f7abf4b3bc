// Package chain wraps the Solana RPC surface the agent needs: wallet
// balance reads and custodial lamport transfers confirmed at a configured
// commitment level.
package chain

import (
	"context"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/x402-labs/agentpay/internal/model"
	"github.com/x402-labs/agentpay/internal/resilience"
)

// Client is the chain surface consumed by the balance monitor and the
// payment executor.
type Client interface {
	// SignerAddress returns the custodial signer's public key in base58.
	SignerAddress() string
	// Balance returns the signer's balance in lamports.
	Balance(ctx context.Context) (uint64, error)
	// Transfer moves lamports from the signer to recipient and waits for
	// confirmation. Returns the transaction signature in base58.
	Transfer(ctx context.Context, recipient string, lamports uint64) (string, error)
}

// Config holds RPC connection and confirmation settings.
type Config struct {
	RPCURL           string
	SignerPrivateKey string
	Commitment       string
	ConfirmTimeout   time.Duration
}

// RPCClient implements Client against a Solana JSON-RPC endpoint. All calls
// run through a circuit breaker so a dead endpoint fails fast instead of
// holding scheduler ticks open.
type RPCClient struct {
	rpc        *rpc.Client
	signer     solana.PrivateKey
	commitment rpc.CommitmentType

	confirmTimeout time.Duration
	pollLimiter    *rate.Limiter
	breaker        *resilience.CircuitBreaker
	log            *zap.Logger
}

// New creates an RPCClient. The signer key is parsed once at construction
// and never leaves this struct.
func New(cfg Config) (*RPCClient, error) {
	if cfg.RPCURL == "" {
		return nil, eris.New("chain: rpc url is required")
	}
	signer, err := solana.PrivateKeyFromBase58(cfg.SignerPrivateKey)
	if err != nil {
		return nil, eris.Wrap(err, "chain: parse signer key")
	}

	commitment := rpc.CommitmentConfirmed
	switch strings.ToLower(cfg.Commitment) {
	case "", "confirmed":
	case "processed":
		commitment = rpc.CommitmentProcessed
	case "finalized":
		commitment = rpc.CommitmentFinalized
	default:
		return nil, eris.Errorf("chain: unknown commitment %q", cfg.Commitment)
	}

	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 30 * time.Second
	}

	return &RPCClient{
		rpc:            rpc.New(cfg.RPCURL),
		signer:         signer,
		commitment:     commitment,
		confirmTimeout: confirmTimeout,
		// Status polling is bounded to 2/s so confirmation waits don't
		// hammer the endpoint.
		pollLimiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		breaker:     resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		log:         zap.L().With(zap.String("component", "chain")),
	}, nil
}

func (c *RPCClient) SignerAddress() string {
	return c.signer.PublicKey().String()
}

func (c *RPCClient) Balance(ctx context.Context) (uint64, error) {
	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (uint64, error) {
		out, err := c.rpc.GetBalance(ctx, c.signer.PublicKey(), c.commitment)
		if err != nil {
			return 0, eris.Wrap(err, "chain: get balance")
		}
		return out.Value, nil
	})
}

func (c *RPCClient) Transfer(ctx context.Context, recipient string, lamports uint64) (string, error) {
	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (string, error) {
		return c.transfer(ctx, recipient, lamports)
	})
}

func (c *RPCClient) transfer(ctx context.Context, recipient string, lamports uint64) (string, error) {
	to, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return "", &model.ChainRejectedError{Code: "invalid-recipient", Err: err}
	}

	blockhash, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return "", &model.ChainRejectedError{Code: "blockhash", Err: err}
	}

	ix := system.NewTransferInstruction(lamports, c.signer.PublicKey(), to).Build()
	tx, err := solana.NewTransactionBuilder().
		AddInstruction(ix).
		SetRecentBlockHash(blockhash.Value.Blockhash).
		SetFeePayer(c.signer.PublicKey()).
		Build()
	if err != nil {
		return "", &model.ChainRejectedError{Code: "build", Err: err}
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.signer.PublicKey()) {
			return &c.signer
		}
		return nil
	}); err != nil {
		return "", &model.ChainRejectedError{Code: "sign", Err: err}
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return "", &model.ChainRejectedError{Code: "submit", Err: err}
	}

	c.log.Debug("transaction submitted",
		zap.String("signature", sig.String()),
		zap.Uint64("lamports", lamports),
	)

	if err := c.awaitConfirmation(ctx, sig); err != nil {
		return sig.String(), err
	}
	return sig.String(), nil
}

// awaitConfirmation polls signature status until the configured commitment
// is reached or the confirmation deadline elapses.
func (c *RPCClient) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	for {
		if err := c.pollLimiter.Wait(ctx); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return model.ErrChainTimeout
			}
			return eris.Wrap(err, "chain: await confirmation")
		}

		out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return model.ErrChainTimeout
			}
			// Transient status poll failures are retried on the next loop.
			c.log.Debug("signature status poll failed", zap.Error(err))
			continue
		}

		if len(out.Value) == 0 || out.Value[0] == nil {
			continue
		}
		status := out.Value[0]
		if status.Err != nil {
			return &model.ChainRejectedError{Code: "on-chain", Err: eris.Errorf("%v", status.Err)}
		}
		if confirmationReached(status.ConfirmationStatus, c.commitment) {
			return nil
		}
	}
}

func confirmationReached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := func(s string) int {
		switch s {
		case "processed":
			return 1
		case "confirmed":
			return 2
		case "finalized":
			return 3
		default:
			return 0
		}
	}
	return rank(string(status)) >= rank(string(want))
}
