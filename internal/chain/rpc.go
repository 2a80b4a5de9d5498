package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	httpMaxAttempts = 5
	httpRetryDelay  = 1 * time.Second

	codeTxInMempoolCache = 19
)

// RPCClient talks to a CometBFT RPC endpoint and, for balances and accounts,
// the cosmos REST gateway.
type RPCClient struct {
	RPC  string
	REST string

	HTTP        *http.Client
	MaxAttempts int
	RetryDelay  time.Duration

	id atomic.Int64
}

func NewRPCClient(rpc, rest string) *RPCClient {
	return &RPCClient{
		RPC:         strings.TrimRight(rpc, "/"),
		REST:        strings.TrimRight(rest, "/"),
		HTTP:        &http.Client{Timeout: 30 * time.Second},
		MaxAttempts: httpMaxAttempts,
		RetryDelay:  httpRetryDelay,
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, e.Data)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// do performs the request, retrying 503s and transport errors up to attempts
// times. RPC level errors are returned as *rpcError without retrying.
func (c *RPCClient) do(ctx context.Context, attempts int, newReq func() (*http.Request, error)) ([]byte, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.RetryDelay):
			}
		}
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err := c.HTTP.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusServiceUnavailable {
			lastErr = fmt.Errorf("HTTP 503 from %s", req.URL)
			continue
		}
		// CometBFT reports RPC errors with a 500 and a JSON body; let the caller decode it.
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
			return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, req.URL, string(body))
		}
		return body, nil
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (c *RPCClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	return c.do(ctx, c.MaxAttempts, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, endpoint, nil)
	})
}

func (c *RPCClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.id.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}
	// a POST may have reached the node even when its response did not; the
	// caller decides whether resubmitting is safe
	body, err := c.do(ctx, 1, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.RPC, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return decodeRPC(body)
}

func decodeRPC(body []byte) (json.RawMessage, error) {
	var r rpcResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result, nil
}

type nodeStatus struct {
	NodeInfo struct {
		Network string `json:"network"`
	} `json:"node_info"`
	SyncInfo struct {
		LatestBlockHeight string `json:"latest_block_height"`
	} `json:"sync_info"`
}

func (c *RPCClient) status(ctx context.Context) (nodeStatus, error) {
	var status nodeStatus
	bz, err := c.get(ctx, c.RPC+"/status")
	if err != nil {
		return status, err
	}
	res, err := decodeRPC(bz)
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(res, &status); err != nil {
		return status, fmt.Errorf("failed to parse status: %w", err)
	}
	return status, nil
}

// ChainID is the network name the node reports.
func (c *RPCClient) ChainID(ctx context.Context) (string, error) {
	status, err := c.status(ctx)
	if err != nil {
		return "", err
	}
	if status.NodeInfo.Network == "" {
		return "", errors.New("node reported an empty chain id")
	}
	return status.NodeInfo.Network, nil
}

// Height queries the latest block height.
func (c *RPCClient) Height(ctx context.Context) (int64, error) {
	status, err := c.status(ctx)
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(status.SyncInfo.LatestBlockHeight, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}
	return height, nil
}

// GetTx looks a transaction up by hex hash. A hash unknown to the node yields nil, nil.
func (c *RPCClient) GetTx(ctx context.Context, hash string) (*TxResult, error) {
	hash = strings.TrimPrefix(strings.ToUpper(hash), "0X")
	bz, err := c.get(ctx, c.RPC+"/tx?hash=0x"+url.QueryEscape(hash))
	if err != nil {
		return nil, err
	}
	res, err := decodeRPC(bz)
	if err != nil {
		var re *rpcError
		if errors.As(err, &re) && strings.Contains(re.Data, "not found") {
			return nil, nil
		}
		return nil, err
	}
	var tx struct {
		Hash     string `json:"hash"`
		Height   string `json:"height"`
		TxResult struct {
			Code uint32 `json:"code"`
			Log  string `json:"log"`
		} `json:"tx_result"`
	}
	if err := json.Unmarshal(res, &tx); err != nil {
		return nil, fmt.Errorf("failed to parse tx: %w", err)
	}
	height, err := strconv.ParseInt(tx.Height, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tx height: %w", err)
	}
	return &TxResult{Hash: tx.Hash, Height: height, Code: tx.TxResult.Code, RawLog: tx.TxResult.Log}, nil
}

// BroadcastTxSync submits raw transaction bytes and waits for CheckTx only.
// It is sent once; bytes the node already holds yield ErrTxInMempool.
func (c *RPCClient) BroadcastTxSync(ctx context.Context, raw []byte) (BroadcastResult, error) {
	res, err := c.call(ctx, "broadcast_tx_sync", map[string]string{
		"tx": base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		var re *rpcError
		if errors.As(err, &re) && strings.Contains(re.Data, ErrTxInMempool.Error()) {
			return BroadcastResult{}, fmt.Errorf("%w: %s", ErrTxInMempool, TxHash(raw))
		}
		return BroadcastResult{}, err
	}
	var out BroadcastResult
	if err := json.Unmarshal(res, &out); err != nil {
		return BroadcastResult{}, fmt.Errorf("failed to parse broadcast result: %w", err)
	}
	// the app side cache answers with sdk code 19 instead of an RPC error
	if out.Codespace == "sdk" && out.Code == codeTxInMempoolCache {
		return out, fmt.Errorf("%w: %s", ErrTxInMempool, TxHash(raw))
	}
	return out, nil
}

// Balance reads one denom of an address from the bank module.
func (c *RPCClient) Balance(ctx context.Context, address, denom string) (Coin, error) {
	endpoint := fmt.Sprintf("%s/cosmos/bank/v1beta1/balances/%s/by_denom?denom=%s",
		c.REST, url.PathEscape(address), url.QueryEscape(denom))
	bz, err := c.get(ctx, endpoint)
	if err != nil {
		return Coin{}, err
	}
	var res struct {
		Balance Coin `json:"balance"`
	}
	if err := json.Unmarshal(bz, &res); err != nil {
		return Coin{}, fmt.Errorf("failed to parse balance: %w", err)
	}
	if res.Balance.Denom == "" {
		res.Balance = Coin{Denom: denom, Amount: "0"}
	}
	return res.Balance, nil
}

// AccountInfo reads account number and sequence from the auth module.
func (c *RPCClient) AccountInfo(ctx context.Context, address string) (AccountInfo, error) {
	bz, err := c.get(ctx, fmt.Sprintf("%s/cosmos/auth/v1beta1/accounts/%s", c.REST, url.PathEscape(address)))
	if err != nil {
		return AccountInfo{}, err
	}
	var res struct {
		Account struct {
			Address       string `json:"address"`
			AccountNumber string `json:"account_number"`
			Sequence      string `json:"sequence"`
		} `json:"account"`
	}
	if err := json.Unmarshal(bz, &res); err != nil {
		return AccountInfo{}, fmt.Errorf("failed to parse account: %w", err)
	}
	num, err := strconv.ParseUint(res.Account.AccountNumber, 10, 64)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("failed to parse account number: %w", err)
	}
	seq, err := strconv.ParseUint(res.Account.Sequence, 10, 64)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("failed to parse sequence: %w", err)
	}
	return AccountInfo{Address: res.Account.Address, AccountNumber: num, Sequence: seq}, nil
}

// RPCConnector connects signers to an RPC endpoint. Encoder signs; nil means
// an SDKEncoder with default gas settings.
type RPCConnector struct {
	REST    string
	Encoder TxEncoder
	// NewClient lets tests swap the transport; nil means NewRPCClient.
	NewClient func(rpc, rest string) *RPCClient
}

func (c *RPCConnector) Connect(ctx context.Context, rpc string, signer Account) (SigningClient, error) {
	encoder := c.Encoder
	if encoder == nil {
		encoder = &SDKEncoder{}
	}
	newClient := c.NewClient
	if newClient == nil {
		newClient = NewRPCClient
	}
	cl := newClient(rpc, c.REST)
	// a connection that cannot even report its height is not usable
	if _, err := cl.Height(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", rpc, err)
	}
	return &rpcSigningClient{RPCClient: cl, signer: signer, encoder: encoder}, nil
}

type rpcSigningClient struct {
	*RPCClient
	signer  Account
	encoder TxEncoder
}

func (s *rpcSigningClient) SignMultiSend(ctx context.Context, msg MultiSend) ([]byte, error) {
	raw, err := s.encoder.EncodeMultiSend(ctx, s.RPCClient, s.signer, msg)
	if err != nil {
		return nil, fmt.Errorf("encode multisend: %w", err)
	}
	return raw, nil
}

func (s *rpcSigningClient) BroadcastTx(ctx context.Context, raw []byte) (BroadcastResult, error) {
	return s.BroadcastTxSync(ctx, raw)
}
