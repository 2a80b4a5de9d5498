// Package wallet hands every parallel test file a private block of pool
// indices and derives wallets from them.
//
// A file's block is [offset*limit, offset*limit+limit), where offset is the
// file's rank among the files of its directory. Different files get disjoint
// blocks without talking to each other. The first allocation refuses to start
// unless the pool holds at least files*limit mnemonics.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"WalletPool/internal/chain"
	"WalletPool/internal/mnemonic"
)

const DefaultLimitPerTest = 20

var (
	ErrPoolExhausted  = errors.New("mnemonic pool exhausted")
	ErrRangeExhausted = errors.New("wallet block of this test file exhausted")
	ErrPoolTooSmall   = errors.New("mnemonic pool too small for the test files")
)

// Source is a read-only, index-stable mnemonic pool.
type Source interface {
	Len() int
	At(i int) (string, error)
}

type Wallet struct {
	Index    int
	Prefix   string
	Address  string
	PubKey   []byte
	PrivKey  *ecdsa.PrivateKey
	Mnemonic string

	// Set only when the prefix is the primary chain's: the ethereum-path key
	// of the same mnemonic, bech32 and 0x encoded.
	EthAddress string
	EthHex     string

	seq atomic.Uint64
}

// NextSequence returns the sequence to sign the next transaction with.
func (w *Wallet) NextSequence() uint64 { return w.seq.Add(1) - 1 }

// SetSequence resyncs the counter, e.g. after reading the account from chain.
func (w *Wallet) SetSequence(s uint64) { w.seq.Store(s) }

type Config struct {
	Pool         Source
	Deriver      chain.Deriver
	LimitPerTest int
	// PrimaryPrefix gets dual (cosmos + ethereum) derivation.
	PrimaryPrefix  string
	DualDerivation bool
	// TestFile pins the offset. Empty means the first _test.go frame of the
	// caller of the first allocation.
	TestFile string
	Rand     *rand.Rand
	Logger   *zap.SugaredLogger
}

type Allocator struct {
	cfg Config
	log *zap.SugaredLogger

	mu       sync.Mutex
	offset   int
	haveOff  bool
	counters map[string]int
	taken    map[string]map[int]struct{}
}

func NewAllocator(cfg Config) (*Allocator, error) {
	if cfg.Pool == nil {
		return nil, errors.New("wallet: pool is required")
	}
	if cfg.Deriver == nil {
		return nil, errors.New("wallet: deriver is required")
	}
	if cfg.LimitPerTest <= 0 {
		cfg.LimitPerTest = DefaultLimitPerTest
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Allocator{
		cfg:      cfg,
		log:      cfg.Logger,
		counters: map[string]int{},
		taken:    map[string]map[int]struct{}{},
	}, nil
}

// Offset is computed once per allocator; the directory listing is assumed
// stable for the run.
func (a *Allocator) Offset() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offsetLocked()
}

func (a *Allocator) offsetLocked() (int, error) {
	if a.haveOff {
		return a.offset, nil
	}
	file := a.cfg.TestFile
	if file == "" {
		f, err := CallerTestFile()
		if err != nil {
			return 0, err
		}
		file = f
	}
	off, files, err := rankInDir(file)
	if err != nil {
		return 0, err
	}
	// every file of the directory gets a block, so the last one must fit too
	if need := files * a.cfg.LimitPerTest; need > a.cfg.Pool.Len() {
		return 0, fmt.Errorf("%w: %d files x %d wallets need %d mnemonics, pool has %d (max %d files)",
			ErrPoolTooSmall, files, a.cfg.LimitPerTest, need, a.cfg.Pool.Len(), a.cfg.Pool.Len()/a.cfg.LimitPerTest)
	}
	a.offset, a.haveOff = off, true
	a.log.Infow("wallet offset resolved", "file", file, "offset", off,
		"first_index", off*a.cfg.LimitPerTest, "limit", a.cfg.LimitPerTest)
	return off, nil
}

// WalletWithOffset issues the next unused index of this file's block for prefix.
func (a *Allocator) WalletWithOffset(ctx context.Context, prefix string) (*Wallet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	off, err := a.offsetLocked()
	if err != nil {
		return nil, err
	}
	base := off * a.cfg.LimitPerTest
	for {
		c := a.counters[prefix]
		if c >= a.cfg.LimitPerTest {
			return nil, fmt.Errorf("%w: %d wallets issued for %q from block at %d",
				ErrRangeExhausted, c, prefix, base)
		}
		idx := base + c
		if idx >= a.cfg.Pool.Len() {
			return nil, fmt.Errorf("%w: index %d, pool size %d; the pool is too small for the number of test files",
				ErrPoolExhausted, idx, a.cfg.Pool.Len())
		}
		if a.isTakenLocked(prefix, idx) {
			a.counters[prefix] = c + 1
			continue
		}
		// a failed derivation leaves the index to the next call
		w, err := a.walletAt(ctx, idx, prefix)
		if err != nil {
			return nil, err
		}
		a.counters[prefix] = c + 1
		a.claimLocked(prefix, idx)
		return w, nil
	}
}

// RandomWallet claims a uniformly random unused index of the whole pool. It
// ignores file blocks, so use it only for one-off wallets.
func (a *Allocator) RandomWallet(ctx context.Context, prefix string) (*Wallet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.cfg.Pool.Len()
	used := len(a.taken[prefix])
	if used >= size {
		return nil, fmt.Errorf("%w: all %d indices taken for %q", ErrPoolExhausted, size, prefix)
	}

	// expected tries are size/free; allow four times that before scanning
	budget := 4 * size / (size - used)
	if budget < 4 {
		budget = 4
	}
	for i := 0; i < budget; i++ {
		idx := a.cfg.Rand.Intn(size)
		if a.isTakenLocked(prefix, idx) {
			continue
		}
		return a.claimWallet(ctx, idx, prefix)
	}

	for idx := 0; idx < size; idx++ {
		if a.isTakenLocked(prefix, idx) {
			continue
		}
		a.log.Debugw("random sampling kept colliding, fell back to scan", "prefix", prefix, "index", idx)
		return a.claimWallet(ctx, idx, prefix)
	}
	return nil, fmt.Errorf("%w: all %d indices taken for %q", ErrPoolExhausted, size, prefix)
}

func (a *Allocator) isTakenLocked(prefix string, idx int) bool {
	_, ok := a.taken[prefix][idx]
	return ok
}

func (a *Allocator) claimLocked(prefix string, idx int) {
	set, ok := a.taken[prefix]
	if !ok {
		set = map[int]struct{}{}
		a.taken[prefix] = set
	}
	set[idx] = struct{}{}
}

// claimWallet derives idx and marks it taken only once that succeeded.
func (a *Allocator) claimWallet(ctx context.Context, idx int, prefix string) (*Wallet, error) {
	w, err := a.walletAt(ctx, idx, prefix)
	if err != nil {
		return nil, err
	}
	a.claimLocked(prefix, idx)
	return w, nil
}

func (a *Allocator) walletAt(ctx context.Context, idx int, prefix string) (*Wallet, error) {
	mn, err := a.cfg.Pool.At(idx)
	if err != nil {
		return nil, err
	}
	acct, err := a.cfg.Deriver.DeriveAccount(ctx, mn, prefix)
	if err != nil {
		return nil, fmt.Errorf("derive wallet %d: %w", idx, err)
	}
	w := &Wallet{
		Index:    idx,
		Prefix:   prefix,
		Address:  acct.Address,
		PubKey:   acct.PubKey,
		PrivKey:  acct.PrivKey,
		Mnemonic: mn,
	}
	if a.cfg.DualDerivation && prefix == a.cfg.PrimaryPrefix {
		eth, err := a.cfg.Deriver.DeriveEthAccount(ctx, mn, prefix)
		if err != nil {
			return nil, fmt.Errorf("derive eth wallet %d: %w", idx, err)
		}
		w.EthAddress = eth.Address
		if eth.PrivKey != nil {
			w.EthHex = mnemonic.EthHex(eth.PrivKey)
		}
	}
	return w, nil
}
