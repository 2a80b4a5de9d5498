package mnemonic

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // cosmos addresses are defined over ripemd160

	"WalletPool/internal/chain"
)

const (
	CosmosPath = "m/44'/118'/0'/0/0"
	EthPath    = "m/44'/60'/0'/0/0"
)

func NewMnemonic(strength int) (string, error) {
	if strength == 0 {
		strength = 128 // 12 words
	}
	entropy, err := bip39.NewEntropy(strength)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// HDDeriver derives accounts locally from BIP-39 mnemonics.
type HDDeriver struct{}

var _ chain.Deriver = HDDeriver{}

func (HDDeriver) DeriveAccount(ctx context.Context, mn, prefix string) (chain.Account, error) {
	if err := ctx.Err(); err != nil {
		return chain.Account{}, err
	}
	priv, err := derivePriv(mn, CosmosPath)
	if err != nil {
		return chain.Account{}, err
	}
	pub := gethcrypto.CompressPubkey(&priv.PublicKey)
	addr, err := Bech32(prefix, CosmosAddressBytes(pub))
	if err != nil {
		return chain.Account{}, err
	}
	return chain.Account{Address: addr, PubKey: pub, PrivKey: priv, Path: CosmosPath}, nil
}

func (HDDeriver) DeriveEthAccount(ctx context.Context, mn, prefix string) (chain.Account, error) {
	if err := ctx.Err(); err != nil {
		return chain.Account{}, err
	}
	priv, err := derivePriv(mn, EthPath)
	if err != nil {
		return chain.Account{}, err
	}
	addr, err := Bech32(prefix, gethcrypto.PubkeyToAddress(priv.PublicKey).Bytes())
	if err != nil {
		return chain.Account{}, err
	}
	return chain.Account{
		Address: addr,
		PubKey:  gethcrypto.CompressPubkey(&priv.PublicKey),
		PrivKey: priv,
		Path:    EthPath,
	}, nil
}

// EthHex is the 0x form of an ethereum-derived key's address.
func EthHex(priv *ecdsa.PrivateKey) string {
	return gethcrypto.PubkeyToAddress(priv.PublicKey).Hex()
}

func derivePriv(mn, path string) (*ecdsa.PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mn, "")
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	w, err := hdwallet.NewFromSeed(seed)
	if err != nil {
		return nil, err
	}
	dp, err := hdwallet.ParseDerivationPath(path)
	if err != nil {
		return nil, err
	}
	acct, err := w.Derive(dp, false)
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", path, err)
	}
	return w.PrivateKey(acct)
}

// CosmosAddressBytes is RIPEMD160(SHA256(compressed pubkey)).
func CosmosAddressBytes(compressedPub []byte) []byte {
	sha := sha256.Sum256(compressedPub)
	h := ripemd160.New()
	h.Write(sha[:])
	return h.Sum(nil)
}

func Bech32(prefix string, addr []byte) (string, error) {
	conv, err := bech32.ConvertBits(addr, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, conv)
}

// DecodeBech32 returns the prefix and the raw address bytes.
func DecodeBech32(addr string) (string, []byte, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return "", nil, err
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, err
	}
	return hrp, raw, nil
}
