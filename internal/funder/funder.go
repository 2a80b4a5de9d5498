// Package funder gives every mnemonic of a pool its starting balance with a
// single multi-send from one rich account. Funding is all or nothing: any
// exhausted retry budget, a rejected transaction or a transaction the node
// never reports aborts the whole run.
package funder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"WalletPool/internal/chain"
	"WalletPool/internal/retry"
)

var (
	ErrLoggerRequired       = errors.New("logger is required")
	ErrDeriverRequired      = errors.New("deriver is required")
	ErrConnectorRequired    = errors.New("connector is required")
	ErrRichMnemonicRequired = errors.New("rich mnemonic is required")
	ErrAmountRequired       = errors.New("amount must be a positive integer")

	ErrInsufficientFunds = errors.New("rich account balance too low")
	ErrNothingToFund     = errors.New("no mnemonics to fund")
)

const (
	DefaultDeriveAttempts    = 3
	DefaultDeriveBackoff     = time.Second
	DefaultConnectAttempts   = 3
	DefaultConnectBackoff    = 2 * time.Second
	DefaultBroadcastAttempts = 3
	DefaultBroadcastBackoff  = 2 * time.Second
	DefaultBatchSize         = 100
	DefaultBatchPause        = 100 * time.Millisecond
	DefaultTxLookupBlocks    = 5
)

type Config struct {
	Logger    *zap.SugaredLogger
	Deriver   chain.Deriver
	Connector chain.Connector
	// Balances, when set, is asked for the rich account balance before
	// broadcasting.
	Balances chain.BalanceQuerier

	RichMnemonic   string
	PrimaryPrefix  string
	DualDerivation bool
	// Amount is the per-output amount in base units of the funded denom.
	Amount string

	DeriveAttempts    int
	DeriveBackoff     time.Duration
	ConnectAttempts   int
	ConnectBackoff    time.Duration
	BroadcastAttempts int
	BroadcastBackoff  time.Duration
	// BatchPause is slept after every BatchSize derivations.
	BatchSize  int
	BatchPause time.Duration
	// TxLookupBlocks is how many blocks to wait for the funding tx to land.
	TxLookupBlocks int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Deriver == nil {
		return ErrDeriverRequired
	}
	if c.Connector == nil {
		return ErrConnectorRequired
	}
	if c.RichMnemonic == "" {
		return ErrRichMnemonicRequired
	}
	if amt, err := uint256.FromDecimal(c.Amount); err != nil || amt.IsZero() {
		return ErrAmountRequired
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DeriveAttempts <= 0 {
		c.DeriveAttempts = DefaultDeriveAttempts
	}
	if c.DeriveBackoff <= 0 {
		c.DeriveBackoff = DefaultDeriveBackoff
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = DefaultConnectBackoff
	}
	if c.BroadcastAttempts <= 0 {
		c.BroadcastAttempts = DefaultBroadcastAttempts
	}
	if c.BroadcastBackoff <= 0 {
		c.BroadcastBackoff = DefaultBroadcastBackoff
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	if c.TxLookupBlocks <= 0 {
		c.TxLookupBlocks = DefaultTxLookupBlocks
	}
}

type Funder struct {
	log *zap.SugaredLogger
	cfg *Config
}

func New(cfg *Config) (*Funder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	cfg.applyDefaults()
	return &Funder{log: cfg.Logger, cfg: cfg}, nil
}

// Receipt describes one landed funding transaction.
type Receipt struct {
	Hash     string    `json:"hash"`
	Height   int64     `json:"height"`
	Denom    string    `json:"denom"`
	Prefix   string    `json:"prefix"`
	Outputs  int       `json:"outputs"`
	Amount   string    `json:"amount"`
	Required string    `json:"required"`
	From     string    `json:"from"`
	FundedAt time.Time `json:"funded_at"`
}

// FundWallets sends Amount of denom to every mnemonic's address for prefix,
// plus the ethereum sibling address when prefix is the primary chain's.
func (f *Funder) FundWallets(ctx context.Context, mnemonics []string, rpc, prefix, feeDenom, denom string) (*Receipt, error) {
	if len(mnemonics) == 0 {
		return nil, ErrNothingToFund
	}
	log := f.log.With("prefix", prefix, "denom", denom)

	rich, err := f.cfg.Deriver.DeriveAccount(ctx, f.cfg.RichMnemonic, prefix)
	if err != nil {
		return nil, fmt.Errorf("derive rich account: %w", err)
	}

	addrs, err := f.deriveAll(ctx, log, mnemonics, prefix)
	if err != nil {
		return nil, err
	}

	required, err := requiredBalance(f.cfg.Amount, len(addrs))
	if err != nil {
		return nil, err
	}
	if err := f.checkBalance(ctx, rich.Address, denom, required); err != nil {
		return nil, err
	}

	coin := []chain.Coin{{Denom: denom, Amount: f.cfg.Amount}}
	msg := chain.MultiSend{
		From:     rich.Address,
		Total:    []chain.Coin{{Denom: denom, Amount: required.Dec()}},
		Outputs:  make([]chain.Output, 0, len(addrs)),
		FeeDenom: feeDenom,
		Memo:     "walletpool funding",
	}
	for _, a := range addrs {
		msg.Outputs = append(msg.Outputs, chain.Output{Address: a, Coins: coin})
	}

	client, err := f.connect(ctx, log, rpc, rich)
	if err != nil {
		return nil, err
	}
	res, err := f.broadcast(ctx, log, client, msg)
	if err != nil {
		return nil, err
	}
	tx, err := f.confirm(ctx, client, res.Hash)
	if err != nil {
		return nil, err
	}

	log.Infow("pool funded", "hash", tx.Hash, "height", tx.Height, "outputs", len(addrs), "required", required.Dec())
	return &Receipt{
		Hash:     tx.Hash,
		Height:   tx.Height,
		Denom:    denom,
		Prefix:   prefix,
		Outputs:  len(addrs),
		Amount:   f.cfg.Amount,
		Required: required.Dec(),
		From:     rich.Address,
		FundedAt: time.Now().UTC(),
	}, nil
}

func (f *Funder) deriveAll(ctx context.Context, log *zap.SugaredLogger, mnemonics []string, prefix string) ([]string, error) {
	dual := f.cfg.DualDerivation && prefix == f.cfg.PrimaryPrefix
	policy := retry.Policy{
		MaxAttempts: f.cfg.DeriveAttempts,
		Wait:        retry.Fixed(f.cfg.DeriveBackoff),
		OnRetry: func(attempt int, err error) {
			if err != nil {
				log.Warnw("derive failed", "attempt", attempt, "err", err)
			}
		},
	}

	addrs := make([]string, 0, len(mnemonics))
	var eth []string
	for i, mn := range mnemonics {
		var acct, ethAcct chain.Account
		err := policy.Do(ctx, func(ctx context.Context) error {
			a, err := f.cfg.Deriver.DeriveAccount(ctx, mn, prefix)
			if err != nil {
				return err
			}
			if dual {
				e, err := f.cfg.Deriver.DeriveEthAccount(ctx, mn, prefix)
				if err != nil {
					return err
				}
				ethAcct = e
			}
			acct = a
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("derive account %d: %w", i, err)
		}
		addrs = append(addrs, acct.Address)
		if dual {
			eth = append(eth, ethAcct.Address)
		}

		if (i+1)%f.cfg.BatchSize == 0 && i+1 < len(mnemonics) {
			log.Debugw("derived batch", "done", i+1, "total", len(mnemonics))
			if f.cfg.BatchPause > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(f.cfg.BatchPause):
				}
			}
		}
	}
	return append(addrs, eth...), nil
}

func requiredBalance(amount string, outputs int) (*uint256.Int, error) {
	amt, err := uint256.FromDecimal(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	total, overflow := new(uint256.Int).MulOverflow(amt, uint256.NewInt(uint64(outputs)))
	if overflow {
		return nil, fmt.Errorf("required balance %s x %d overflows", amount, outputs)
	}
	return total, nil
}

func (f *Funder) checkBalance(ctx context.Context, addr, denom string, required *uint256.Int) error {
	if f.cfg.Balances == nil {
		return nil
	}
	bal, err := f.cfg.Balances.Balance(ctx, addr, denom)
	if err != nil {
		return fmt.Errorf("query rich balance: %w", err)
	}
	have, err := uint256.FromDecimal(bal.Amount)
	if err != nil {
		return fmt.Errorf("parse rich balance %q: %w", bal.Amount, err)
	}
	if have.Lt(required) {
		return fmt.Errorf("%w: %s has %s%s, needs %s%s", ErrInsufficientFunds, addr, have.Dec(), denom, required.Dec(), denom)
	}
	return nil
}

func (f *Funder) connect(ctx context.Context, log *zap.SugaredLogger, rpc string, rich chain.Account) (chain.SigningClient, error) {
	var client chain.SigningClient
	err := retry.Policy{
		MaxAttempts: f.cfg.ConnectAttempts,
		Wait:        retry.Fixed(f.cfg.ConnectBackoff),
		OnRetry: func(attempt int, err error) {
			if err != nil {
				log.Warnw("connect failed", "rpc", rpc, "attempt", attempt, "err", err)
			}
		},
	}.Do(ctx, func(ctx context.Context) error {
		c, err := f.cfg.Connector.Connect(ctx, rpc, rich)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect signing client to %s: %w", rpc, err)
	}
	return client, nil
}

// broadcast signs msg once and submits the same bytes on every attempt. A
// submission whose response was lost may still have reached the node, so
// before resubmitting the previous hash is looked up, and a node that already
// holds the bytes counts as accepted.
func (f *Funder) broadcast(ctx context.Context, log *zap.SugaredLogger, client chain.SigningClient, msg chain.MultiSend) (chain.BroadcastResult, error) {
	var (
		raw  []byte
		hash string
		res  chain.BroadcastResult
	)
	err := retry.Policy{
		MaxAttempts: f.cfg.BroadcastAttempts,
		Wait:        retry.Fixed(f.cfg.BroadcastBackoff),
		OnRetry: func(attempt int, err error) {
			if err != nil {
				log.Warnw("broadcast failed", "attempt", attempt, "hash", hash, "err", err)
			}
		},
	}.Do(ctx, func(ctx context.Context) error {
		if raw == nil {
			signed, err := client.SignMultiSend(ctx, msg)
			if err != nil {
				return err
			}
			raw, hash = signed, chain.TxHash(signed)
		} else if tx, err := client.GetTx(ctx, hash); err == nil && tx != nil {
			log.Infow("earlier submission landed", "hash", hash, "height", tx.Height)
			res = chain.BroadcastResult{Hash: hash}
			return nil
		}

		r, err := client.BroadcastTx(ctx, raw)
		if errors.Is(err, chain.ErrTxInMempool) {
			log.Infow("earlier submission is in the mempool", "hash", hash)
			res = chain.BroadcastResult{Hash: hash}
			return nil
		}
		if err != nil {
			return err
		}
		if r.Code != 0 {
			return fmt.Errorf("%w: check tx code %d: %s", chain.ErrTxFailed, r.Code, r.RawLog)
		}
		if r.Hash == "" {
			r.Hash = hash
		}
		res = r
		return nil
	})
	if err != nil {
		return chain.BroadcastResult{}, fmt.Errorf("broadcast funding tx: %w", err)
	}
	return res, nil
}

// confirm waits up to TxLookupBlocks blocks for the tx to be indexed.
func (f *Funder) confirm(ctx context.Context, client chain.SigningClient, hash string) (*chain.TxResult, error) {
	tx, err := retry.GetWithAttempts(ctx, retry.EveryBlock(client, f.cfg.TxLookupBlocks),
		func(ctx context.Context) (*chain.TxResult, error) { return client.GetTx(ctx, hash) },
		func(tx *chain.TxResult) bool { return tx != nil },
	)
	if err != nil {
		if errors.Is(err, retry.ErrNoAttemptsLeft) {
			return nil, fmt.Errorf("%w: funding tx %s", chain.ErrTxNotFound, hash)
		}
		return nil, fmt.Errorf("look up funding tx %s: %w", hash, err)
	}
	if tx.Code != 0 {
		return nil, fmt.Errorf("%w: funding tx %s code %d: %s", chain.ErrTxFailed, hash, tx.Code, tx.RawLog)
	}
	return tx, nil
}
