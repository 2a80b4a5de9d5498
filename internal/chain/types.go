// Package chain is the narrow boundary to the node under test: account
// derivation, connecting a signer, broadcasting and looking up transactions,
// and reading the current height. Everything else about the chain is someone
// else's problem.
package chain

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrTxNotFound = errors.New("transaction not found")
	ErrTxFailed   = errors.New("transaction failed")
	// ErrTxInMempool means the node already holds these exact tx bytes.
	ErrTxInMempool = errors.New("tx already exists in cache")
)

// TxHash is the CometBFT hash of raw tx bytes, upper case hex.
func TxHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Account is a key derived from a mnemonic, rendered for one address prefix.
type Account struct {
	Address string
	PubKey  []byte // compressed secp256k1
	PrivKey *ecdsa.PrivateKey
	Path    string
}

type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

type Output struct {
	Address string `json:"address"`
	Coins   []Coin `json:"coins"`
}

// MultiSend moves Total from From to every output in a single bank message.
type MultiSend struct {
	From     string   `json:"from"`
	Total    []Coin   `json:"total"`
	Outputs  []Output `json:"outputs"`
	FeeDenom string   `json:"fee_denom"`
	Memo     string   `json:"memo,omitempty"`
}

type BroadcastResult struct {
	Code      uint32 `json:"code"`
	Codespace string `json:"codespace,omitempty"`
	Hash      string `json:"hash"`
	RawLog    string `json:"log"`
}

type TxResult struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
	Code   uint32 `json:"code"`
	RawLog string `json:"log"`
}

// Deriver turns a mnemonic into an address for the given bech32 prefix.
type Deriver interface {
	DeriveAccount(ctx context.Context, mnemonic, prefix string) (Account, error)
	// DeriveEthAccount uses the ethereum coin type and keccak address
	// for chains that accept both key families.
	DeriveEthAccount(ctx context.Context, mnemonic, prefix string) (Account, error)
}

type HeightSource interface {
	Height(ctx context.Context) (int64, error)
}

type TxGetter interface {
	// GetTx returns nil, nil when the node does not know the hash.
	GetTx(ctx context.Context, hash string) (*TxResult, error)
}

type BalanceQuerier interface {
	Balance(ctx context.Context, address, denom string) (Coin, error)
}

// SigningClient is a connected client able to sign for one account. Signing
// and broadcasting are separate so that a retry resubmits the very same bytes.
type SigningClient interface {
	HeightSource
	TxGetter
	SignMultiSend(ctx context.Context, msg MultiSend) ([]byte, error)
	BroadcastTx(ctx context.Context, raw []byte) (BroadcastResult, error)
}

type Connector interface {
	Connect(ctx context.Context, rpc string, signer Account) (SigningClient, error)
}

// TxEncoder signs msg for signer and returns the raw transaction bytes ready
// for broadcast_tx_sync.
type TxEncoder interface {
	EncodeMultiSend(ctx context.Context, q AccountQuerier, signer Account, msg MultiSend) ([]byte, error)
}

// AccountQuerier lets an encoder fetch what goes into the sign doc.
type AccountQuerier interface {
	AccountInfo(ctx context.Context, address string) (AccountInfo, error)
	ChainID(ctx context.Context) (string, error)
}

type AccountInfo struct {
	Address       string
	AccountNumber uint64
	Sequence      uint64
}
