// Package watcher monitors the chain for deposits into the broker's vault.
//
// When the asset is sent to the deposit vault address, the sender's ledger
// balance is credited in base units.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fairbroker/fairbroker/internal/circuitbreaker"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// rpcBreakerKey is the circuit breaker key for the RPC endpoint.
const rpcBreakerKey = "rpc"

// DepositCreditor credits ledger balances for observed deposits.
type DepositCreditor interface {
	Deposit(ctx context.Context, account string, amount uint64, txHash string) error
}

// IdentityChecker verifies whether an address belongs to a registered identity.
type IdentityChecker interface {
	IsRegistered(ctx context.Context, address string) bool
}

// Config for the deposit watcher
type Config struct {
	RPCURL        string
	AssetContract common.Address
	DepositVault  common.Address
	PollInterval  time.Duration
	StartBlock    uint64 // 0 = latest
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// Watcher monitors for incoming asset deposits
type Watcher struct {
	client   *ethclient.Client
	config   Config
	creditor DepositCreditor
	checker  IdentityChecker
	logger   *slog.Logger
	notify   func(account string, amount uint64, txHash string)
	breaker  *circuitbreaker.Breaker

	// Track processed transactions
	processed map[string]bool
	mu        sync.Mutex

	// Last processed block
	lastBlock uint64

	// Shutdown
	stop chan struct{}
	done chan struct{}
}

// New creates a new deposit watcher
func New(cfg Config, creditor DepositCreditor, checker IdentityChecker, logger *slog.Logger) (*Watcher, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	return &Watcher{
		client:    client,
		config:    cfg,
		creditor:  creditor,
		checker:   checker,
		logger:    logger,
		breaker:   circuitbreaker.New(5, time.Minute),
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// WithNotify adds a callback invoked after each credited deposit.
func (w *Watcher) WithNotify(fn func(account string, amount uint64, txHash string)) *Watcher {
	w.notify = fn
	return w
}

// Start begins watching for deposits
func (w *Watcher) Start(ctx context.Context) error {
	// Get starting block
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("deposit watcher started",
		"vault", w.config.DepositVault.Hex(),
		"asset", w.config.AssetContract.Hex(),
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			// Skip polls while the RPC endpoint is tripped open
			if !w.breaker.Allow(rpcBreakerKey) {
				continue
			}
			if err := w.checkForDeposits(ctx); err != nil {
				w.breaker.RecordFailure(rpcBreakerKey)
				w.logger.Error("deposit check failed", "error", err)
				continue
			}
			w.breaker.RecordSuccess(rpcBreakerKey)
		}
	}
}

func (w *Watcher) checkForDeposits(ctx context.Context) error {
	// Get current block
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	// Query for Transfer events into the vault
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{w.config.AssetContract},
		Topics: [][]common.Hash{
			{transferEventSig}, // Transfer event
			nil,                // Any from address
			{common.BytesToHash(w.config.DepositVault.Bytes())}, // To the vault
		},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processTransfer(ctx, vLog); err != nil {
			w.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	// Skip if already processed
	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return nil
	}
	// Mark as in-progress to prevent concurrent duplicate processing.
	// If processing fails, we remove it so the next poll can retry.
	w.processed[txHash] = true
	w.mu.Unlock()

	// On failure, unmark so the transfer is retried on the next poll cycle.
	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	// Parse the Transfer event
	// Topics[1] = from address (indexed)
	// Topics[2] = to address (indexed)
	// Data = amount
	if len(vLog.Topics) < 3 {
		return fmt.Errorf("invalid transfer event")
	}

	from := common.HexToAddress(vLog.Topics[1].Hex())
	raw := new(big.Int).SetBytes(vLog.Data)

	fromAddr := strings.ToLower(from.Hex())
	if !raw.IsUint64() {
		w.logger.Warn("deposit amount exceeds uint64, skipping",
			"from", fromAddr,
			"amount", raw.String(),
			"tx", txHash,
		)
		succeeded = true
		return nil
	}
	amount := raw.Uint64()
	if amount == 0 {
		succeeded = true
		return nil
	}

	// Only credit registered identities
	if w.checker != nil && !w.checker.IsRegistered(ctx, fromAddr) {
		w.logger.Info("deposit from unregistered address, skipping",
			"from", fromAddr,
			"amount", amount,
			"tx", txHash,
		)
		return nil
	}

	if err := w.creditor.Deposit(ctx, fromAddr, amount, txHash); err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	w.logger.Info("deposit credited",
		"account", fromAddr,
		"amount", amount,
		"tx", txHash,
	)

	if w.notify != nil {
		w.notify(fromAddr, amount, txHash)
	}

	succeeded = true
	return nil
}
