package chain

import (
	"context"
	"errors"
	"fmt"

	"cosmossdk.io/math"
	"cosmossdk.io/x/tx/signing"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/cosmos/cosmos-sdk/client"
	clienttx "github.com/cosmos/cosmos-sdk/client/tx"
	"github.com/cosmos/cosmos-sdk/codec"
	"github.com/cosmos/cosmos-sdk/codec/address"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	cryptocodec "github.com/cosmos/cosmos-sdk/crypto/codec"
	"github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	sdk "github.com/cosmos/cosmos-sdk/types"
	signingtypes "github.com/cosmos/cosmos-sdk/types/tx/signing"
	authsigning "github.com/cosmos/cosmos-sdk/x/auth/signing"
	authtx "github.com/cosmos/cosmos-sdk/x/auth/tx"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	"github.com/cosmos/gogoproto/proto"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DefaultGasBase      = 200_000
	DefaultGasPerOutput = 25_000
	DefaultGasPrice     = "0.025"
)

// SDKEncoder builds a bank MsgMultiSend and signs it in process with
// SIGN_MODE_DIRECT. Gas is GasBase plus GasPerOutput for every output; the fee
// is gas times GasPrice in the message's fee denom, rounded up.
//
// secp256k1 signatures are deterministic, so the same message, account number
// and sequence always encode to the same bytes and the same hash.
type SDKEncoder struct {
	GasBase      uint64
	GasPerOutput uint64
	GasPrice     string
}

func (e *SDKEncoder) EncodeMultiSend(ctx context.Context, q AccountQuerier, signer Account, msg MultiSend) ([]byte, error) {
	if signer.PrivKey == nil {
		return nil, errors.New("signer has no private key")
	}
	hrp, _, err := bech32.Decode(signer.Address)
	if err != nil {
		return nil, fmt.Errorf("decode signer address %q: %w", signer.Address, err)
	}
	bankMsg, err := toMsgMultiSend(msg)
	if err != nil {
		return nil, err
	}

	gas := e.gasFor(len(msg.Outputs))
	fee, err := e.feeFor(gas, msg.FeeDenom)
	if err != nil {
		return nil, err
	}

	info, err := q.AccountInfo(ctx, signer.Address)
	if err != nil {
		return nil, fmt.Errorf("query signer account: %w", err)
	}
	chainID, err := q.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}

	txCfg, err := newTxConfig(hrp)
	if err != nil {
		return nil, err
	}
	b := txCfg.NewTxBuilder()
	if err := b.SetMsgs(bankMsg); err != nil {
		return nil, fmt.Errorf("set msgs: %w", err)
	}
	b.SetGasLimit(gas)
	b.SetFeeAmount(fee)
	b.SetMemo(msg.Memo)

	priv := &secp256k1.PrivKey{Key: crypto.FromECDSA(signer.PrivKey)}
	// signer infos are part of the signed bytes, so they go in first
	if err := b.SetSignatures(signingtypes.SignatureV2{
		PubKey:   priv.PubKey(),
		Data:     &signingtypes.SingleSignatureData{SignMode: signingtypes.SignMode_SIGN_MODE_DIRECT},
		Sequence: info.Sequence,
	}); err != nil {
		return nil, fmt.Errorf("set signer info: %w", err)
	}
	sig, err := clienttx.SignWithPrivKey(ctx, signingtypes.SignMode_SIGN_MODE_DIRECT, authsigning.SignerData{
		Address:       signer.Address,
		ChainID:       chainID,
		AccountNumber: info.AccountNumber,
		Sequence:      info.Sequence,
		PubKey:        priv.PubKey(),
	}, b, priv, txCfg, info.Sequence)
	if err != nil {
		return nil, fmt.Errorf("sign multisend: %w", err)
	}
	if err := b.SetSignatures(sig); err != nil {
		return nil, fmt.Errorf("set signature: %w", err)
	}
	return txCfg.TxEncoder()(b.GetTx())
}

func (e *SDKEncoder) gasFor(outputs int) uint64 {
	base, per := e.GasBase, e.GasPerOutput
	if base == 0 {
		base = DefaultGasBase
	}
	if per == 0 {
		per = DefaultGasPerOutput
	}
	return base + per*uint64(outputs)
}

func (e *SDKEncoder) feeFor(gas uint64, denom string) (sdk.Coins, error) {
	if err := sdk.ValidateDenom(denom); err != nil {
		return nil, fmt.Errorf("fee denom: %w", err)
	}
	price := e.GasPrice
	if price == "" {
		price = DefaultGasPrice
	}
	p, err := math.LegacyNewDecFromStr(price)
	if err != nil {
		return nil, fmt.Errorf("gas price %q: %w", price, err)
	}
	amt := p.MulInt64(int64(gas)).Ceil().TruncateInt()
	return sdk.NewCoins(sdk.NewCoin(denom, amt)), nil
}

// newTxConfig renders addresses with hrp, which differs per chain, so it
// does not rely on the process wide sdk.Config.
func newTxConfig(hrp string) (client.TxConfig, error) {
	reg, err := codectypes.NewInterfaceRegistryWithOptions(codectypes.InterfaceRegistryOptions{
		ProtoFiles: proto.HybridResolver,
		SigningOptions: signing.Options{
			AddressCodec:          address.NewBech32Codec(hrp),
			ValidatorAddressCodec: address.NewBech32Codec(hrp + "valoper"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("interface registry: %w", err)
	}
	cryptocodec.RegisterInterfaces(reg)
	banktypes.RegisterInterfaces(reg)
	return authtx.NewTxConfig(codec.NewProtoCodec(reg), []signingtypes.SignMode{signingtypes.SignMode_SIGN_MODE_DIRECT}), nil
}

func toMsgMultiSend(msg MultiSend) (*banktypes.MsgMultiSend, error) {
	total, err := toCoins(msg.Total)
	if err != nil {
		return nil, fmt.Errorf("total: %w", err)
	}
	out := &banktypes.MsgMultiSend{
		Inputs:  []banktypes.Input{{Address: msg.From, Coins: total}},
		Outputs: make([]banktypes.Output, 0, len(msg.Outputs)),
	}
	for _, o := range msg.Outputs {
		coins, err := toCoins(o.Coins)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", o.Address, err)
		}
		out.Outputs = append(out.Outputs, banktypes.Output{Address: o.Address, Coins: coins})
	}
	return out, nil
}

func toCoins(cs []Coin) (sdk.Coins, error) {
	out := make(sdk.Coins, 0, len(cs))
	for _, c := range cs {
		amt, ok := math.NewIntFromString(c.Amount)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q of %s", c.Amount, c.Denom)
		}
		out = append(out, sdk.Coin{Denom: c.Denom, Amount: amt})
	}
	out = out.Sort()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
