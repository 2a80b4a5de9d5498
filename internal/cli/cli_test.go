package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"WalletPool/internal/lockfile"
	"WalletPool/internal/pool"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
log_level: error
logs_dir: %[1]s/logs
network:
  skip_setup: true
lock:
  path: %[1]s/lock.tmp
  timeout: 2s
  poll_interval: 10ms
pool:
  file: %[1]s/mnemonics.yaml
  size: 60
  limit_per_test: 20
  workers: 2
`, dir)
	path := filepath.Join(dir, "walletpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return dir, path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPoolGenAndWallet(t *testing.T) {
	dir, cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "pool", "gen")
	require.NoError(t, err)
	require.Contains(t, out, "60 mnemonics written")

	p, err := pool.Load(filepath.Join(dir, "mnemonics.yaml"))
	require.NoError(t, err)
	require.Equal(t, 60, p.Len())

	tests := filepath.Join(dir, "suite")
	require.NoError(t, os.Mkdir(tests, 0o755))
	for _, n := range []string{"a.test", "b.test", "c.test"} {
		require.NoError(t, os.WriteFile(filepath.Join(tests, n), nil, 0o644))
	}

	out, err = run(t, "--config", cfg, "wallet", "--file", filepath.Join(tests, "b.test"), "--prefix", "cosmos", "-n", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "20\tcosmos1"), lines[0])
	require.True(t, strings.HasPrefix(lines[1], "21\tcosmos1"), lines[1])

	// primary prefix carries the ethereum sibling address
	out, err = run(t, "--config", cfg, "wallet", "--file", filepath.Join(tests, "a.test"))
	require.NoError(t, err)
	fields := strings.Split(strings.TrimSpace(out), "\t")
	require.Len(t, fields, 3)
	require.Equal(t, "0", fields[0])
	require.True(t, strings.HasPrefix(fields[2], "neutron1"))

	_, err = run(t, "--config", cfg, "wallet", "--file", filepath.Join(tests, "c.test"), "-n", "21")
	require.Error(t, err)

	_, err = run(t, "--config", cfg, "wallet", "--file", filepath.Join(tests, "a.test"), "--prefix", "osmo")
	require.ErrorContains(t, err, `prefix "osmo" is not in chain.endpoints`)
}

func TestWalletRequiresFile(t *testing.T) {
	_, cfg := writeConfig(t)
	_, err := run(t, "--config", cfg, "pool", "gen", "--size", "5")
	require.NoError(t, err)

	_, err = run(t, "--config", cfg, "wallet")
	require.ErrorContains(t, err, "no test file")
}

func TestLockUnlock(t *testing.T) {
	dir, cfg := writeConfig(t)
	lockPath := filepath.Join(dir, "lock.tmp")

	_, err := run(t, "--config", cfg, "lock", "--owner", "ci-1")
	require.NoError(t, err)
	p, err := lockfile.ReadPayload(lockPath)
	require.NoError(t, err)
	require.Equal(t, "ci-1", p.Owner)

	_, err = run(t, "--config", cfg, "unlock", "--owner", "ci-2")
	require.ErrorIs(t, err, lockfile.ErrNotOwner)

	_, err = run(t, "--config", cfg, "unlock")
	require.Error(t, err)

	_, err = run(t, "--config", cfg, "unlock", "--owner", "ci-1")
	require.NoError(t, err)
	_, err = os.Stat(lockPath)
	require.True(t, os.IsNotExist(err))

	_, err = run(t, "--config", cfg, "lock", "--owner", "ci-3")
	require.NoError(t, err)
	_, err = run(t, "--config", cfg, "unlock", "--force")
	require.NoError(t, err)
	_, err = os.Stat(lockPath)
	require.True(t, os.IsNotExist(err))
}

// newChainServer serves /status with a height that grows on every read and
// /tx for a single known hash.
func newChainServer(t *testing.T, heightReads *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			_, _ = fmt.Fprintf(w, `{"result":{"sync_info":{"latest_block_height":"%d"}}}`, 100+heightReads.Add(1))
		case "/tx":
			if r.URL.Query().Get("hash") == "0xAB12" {
				_, _ = io.WriteString(w, `{"result":{"hash":"AB12","height":"99","tx_result":{"code":0}}}`)
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":{"code":-32603,"message":"Internal error","data":"tx not found"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeChainConfig(t *testing.T, gaiaURL string) string {
	t.Helper()
	dir, path := writeConfig(t)
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	body = append(body, fmt.Sprintf(`chain:
  primary_prefix: neutron
  block_poll: 5ms
  endpoints:
    - prefix: neutron
      rpc: http://127.0.0.1:1
      rest: http://127.0.0.1:1
      fee_denom: untrn
      denoms: [untrn]
    - prefix: cosmos
      rpc: %[1]s
      rest: %[1]s
      fee_denom: uatom
      denoms: [uatom]
`, gaiaURL)...)
	path = filepath.Join(dir, "chains.yaml")
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path
}

func TestTxWaitsForConfirmations(t *testing.T) {
	var reads atomic.Int64
	srv := newChainServer(t, &reads)
	cfg := writeChainConfig(t, srv.URL)

	out, err := run(t, "--config", cfg, "tx", "ab12", "--prefix", "cosmos", "--confirmations", "3")
	require.NoError(t, err)
	require.Contains(t, out, "AB12\theight=99\tcode=0")
	// one read for the starting height, then until three blocks later
	require.GreaterOrEqual(t, reads.Load(), int64(4))
}

func TestTxUnknownPrefix(t *testing.T) {
	_, cfg := writeConfig(t)
	_, err := run(t, "--config", cfg, "tx", "ab12", "--prefix", "osmo")
	require.ErrorContains(t, err, `prefix "osmo" is not in chain.endpoints`)
}
