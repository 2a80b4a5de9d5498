package chain

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
	sdk "github.com/cosmos/cosmos-sdk/types"
	authsigning "github.com/cosmos/cosmos-sdk/x/auth/signing"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	info    AccountInfo
	chainID string
}

func (f *fakeQuerier) AccountInfo(context.Context, string) (AccountInfo, error) { return f.info, nil }

func (f *fakeQuerier) ChainID(context.Context) (string, error) { return f.chainID, nil }

func testAddress(t *testing.T, hrp string, b byte) string {
	t.Helper()
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = b
	}
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	require.NoError(t, err)
	addr, err := bech32.Encode(hrp, conv)
	require.NoError(t, err)
	return addr
}

func testMultiSend(t *testing.T, from string) MultiSend {
	coin := []Coin{{Denom: "untrn", Amount: "100"}}
	return MultiSend{
		From:  from,
		Total: []Coin{{Denom: "untrn", Amount: "200"}},
		Outputs: []Output{
			{Address: testAddress(t, "neutron", 2), Coins: coin},
			{Address: testAddress(t, "neutron", 3), Coins: coin},
		},
		FeeDenom: "untrn",
		Memo:     "walletpool funding",
	}
}

func TestSDKEncoderSignsMultiSend(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := Account{Address: testAddress(t, "neutron", 1), PrivKey: key}
	q := &fakeQuerier{info: AccountInfo{AccountNumber: 4, Sequence: 11}, chainID: "test-1"}

	e := &SDKEncoder{GasBase: 100_000, GasPerOutput: 10_000, GasPrice: "0.5"}
	raw, err := e.EncodeMultiSend(context.Background(), q, signer, testMultiSend(t, signer.Address))
	require.NoError(t, err)

	txCfg, err := newTxConfig("neutron")
	require.NoError(t, err)
	decoded, err := txCfg.TxDecoder()(raw)
	require.NoError(t, err)

	msgs := decoded.GetMsgs()
	require.Len(t, msgs, 1)
	ms, ok := msgs[0].(*banktypes.MsgMultiSend)
	require.True(t, ok)
	require.Equal(t, signer.Address, ms.Inputs[0].Address)
	require.Equal(t, "200untrn", ms.Inputs[0].Coins.String())
	require.Len(t, ms.Outputs, 2)

	feeTx, ok := decoded.(sdk.FeeTx)
	require.True(t, ok)
	require.EqualValues(t, 120_000, feeTx.GetGas())
	require.Equal(t, "60000untrn", feeTx.GetFee().String())

	sigTx, ok := decoded.(authsigning.SigVerifiableTx)
	require.True(t, ok)
	sigs, err := sigTx.GetSignaturesV2()
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	require.EqualValues(t, 11, sigs[0].Sequence)
	require.Equal(t, crypto.CompressPubkey(&key.PublicKey), sigs[0].PubKey.Bytes())
}

func TestSDKEncoderIsDeterministic(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := Account{Address: testAddress(t, "neutron", 1), PrivKey: key}
	q := &fakeQuerier{info: AccountInfo{AccountNumber: 1, Sequence: 2}, chainID: "test-1"}
	msg := testMultiSend(t, signer.Address)

	e := &SDKEncoder{}
	first, err := e.EncodeMultiSend(context.Background(), q, signer, msg)
	require.NoError(t, err)
	second, err := e.EncodeMultiSend(context.Background(), q, signer, msg)
	require.NoError(t, err)
	require.Equal(t, TxHash(first), TxHash(second))

	q.info.Sequence = 3
	third, err := e.EncodeMultiSend(context.Background(), q, signer, msg)
	require.NoError(t, err)
	require.NotEqual(t, TxHash(first), TxHash(third))
}

func TestSDKEncoderRejectsBadInput(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := Account{Address: testAddress(t, "neutron", 1), PrivKey: key}
	q := &fakeQuerier{chainID: "test-1"}
	e := &SDKEncoder{}

	_, err = e.EncodeMultiSend(context.Background(), q, Account{Address: signer.Address}, testMultiSend(t, signer.Address))
	require.ErrorContains(t, err, "no private key")

	msg := testMultiSend(t, signer.Address)
	msg.Total = []Coin{{Denom: "untrn", Amount: "lots"}}
	_, err = e.EncodeMultiSend(context.Background(), q, signer, msg)
	require.ErrorContains(t, err, "invalid amount")

	msg = testMultiSend(t, signer.Address)
	msg.FeeDenom = ""
	_, err = e.EncodeMultiSend(context.Background(), q, signer, msg)
	require.ErrorContains(t, err, "fee denom")

	_, err = e.EncodeMultiSend(context.Background(), q, Account{Address: "not-bech32", PrivKey: key}, msg)
	require.ErrorContains(t, err, "decode signer address")
}

func TestTxHash(t *testing.T) {
	// sha256("tx")
	require.Equal(t, "1B5B9CCB3E8D006A5230DE9BDA23FF91EDC794D4F56410560830B418528E446C", TxHash([]byte("tx")))
}
