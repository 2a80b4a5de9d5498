package appcfg

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// EnvPrefix is the prefix of every environment override. A double underscore
// separates nesting levels: WALLETPOOL_LOCK__PATH -> lock.path.
const EnvPrefix = "WALLETPOOL_"

// DemoMnemonic funds the pool on local testnets. Never use it anywhere else.
const DemoMnemonic = "banner spread envelope side kite person disagree path silver will brother under couch edit food venture squirrel civil budget number acquire point work mass"

type Config struct {
	LogLevel             string `koanf:"log_level"` // "debug"|"info"|"warn"|"error"
	HideSecretsInConsole bool   `koanf:"hide_secrets_in_console"`
	LogsDir              string `koanf:"logs_dir"`
	// WorkerID only decorates log lines and the lock payload.
	WorkerID string `koanf:"worker_id"`

	Network Network `koanf:"network"`
	Chain   Chain   `koanf:"chain"`
	Lock    Lock    `koanf:"lock"`
	Pool    Pool    `koanf:"pool"`
	Funding Funding `koanf:"funding"`
}

type Network struct {
	SkipSetup    bool          `koanf:"skip_setup"`
	ComposeFile  string        `koanf:"compose_file"`
	Project      string        `koanf:"project"`
	ReadyTimeout time.Duration `koanf:"ready_timeout"`
}

type Chain struct {
	PrimaryPrefix string        `koanf:"primary_prefix"`
	BlockPoll     time.Duration `koanf:"block_poll"`
	// Endpoints lists every chain the pool is funded on. The primary chain
	// must be one of them; its RPC also serves network readiness checks.
	Endpoints []Endpoint `koanf:"endpoints"`
}

type Endpoint struct {
	Prefix   string   `koanf:"prefix"`
	RPC      string   `koanf:"rpc"`
	REST     string   `koanf:"rest"`
	FeeDenom string   `koanf:"fee_denom"`
	Denoms   []string `koanf:"denoms"`
}

type Lock struct {
	Path         string        `koanf:"path"`
	Timeout      time.Duration `koanf:"timeout"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

type Pool struct {
	File         string `koanf:"file"`
	Size         int    `koanf:"size"`
	LimitPerTest int    `koanf:"limit_per_test"`
	Workers      int    `koanf:"workers"`
	// TestFile pins the allocation offset when the caller is not a _test.go file.
	TestFile string `koanf:"test_file"`
}

type Funding struct {
	RichMnemonic   string `koanf:"rich_mnemonic"`
	Amount         string `koanf:"amount"`
	DualDerivation bool   `koanf:"dual_derivation"`
	// Gas of a funding tx is gas_base + gas_per_output per output.
	GasBase      uint64 `koanf:"gas_base"`
	GasPerOutput uint64 `koanf:"gas_per_output"`
	GasPrice     string `koanf:"gas_price"`
}

func defaults() map[string]any {
	return map[string]any{
		"log_level":               "info",
		"hide_secrets_in_console": true,
		"logs_dir":                "logs",
		"network.compose_file":    "setup/docker-compose.yml",
		"network.project":         "walletpool",
		"network.ready_timeout":   "5m",
		"chain.primary_prefix":    "neutron",
		"chain.block_poll":        "500ms",
		"chain.endpoints": []any{
			map[string]any{
				"prefix":    "neutron",
				"rpc":       "http://127.0.0.1:26657",
				"rest":      "http://127.0.0.1:1317",
				"fee_denom": "untrn",
				"denoms":    []string{"untrn"},
			},
			map[string]any{
				"prefix":    "cosmos",
				"rpc":       "http://127.0.0.1:16657",
				"rest":      "http://127.0.0.1:1316",
				"fee_denom": "uatom",
				"denoms":    []string{"uatom"},
			},
		},
		"lock.path":               "./lock.tmp",
		"lock.timeout":            "5m",
		"lock.poll_interval":      "1s",
		"pool.file":               "./mnemonics.yaml",
		"pool.size":               1000,
		"pool.limit_per_test":     20,
		"pool.workers":            4,
		"funding.rich_mnemonic":   DemoMnemonic,
		"funding.amount":          "11500000000",
		"funding.dual_derivation": true,
		"funding.gas_base":        200000,
		"funding.gas_per_output":  25000,
		"funding.gas_price":       "0.025",
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and WALLETPOOL_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("decode app yaml %q: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat app config %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var c Config
	if err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &c, nil
}

// envKey maps WALLETPOOL_POOL__LIMIT_PER_TEST to pool.limit_per_test.
func envKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__", ".")
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.Pool.Size <= 0 {
		return errors.New("pool.size must be > 0")
	}
	if c.Pool.LimitPerTest <= 0 {
		return errors.New("pool.limit_per_test must be > 0")
	}
	if c.Pool.LimitPerTest > c.Pool.Size {
		return fmt.Errorf("pool.limit_per_test (%d) exceeds pool.size (%d)", c.Pool.LimitPerTest, c.Pool.Size)
	}
	if c.Pool.File == "" {
		return errors.New("pool.file must not be empty")
	}
	if c.Lock.Path == "" {
		return errors.New("lock.path must not be empty")
	}
	if c.Lock.Timeout <= 0 {
		return errors.New("lock.timeout must be > 0")
	}
	if c.Chain.PrimaryPrefix == "" {
		return errors.New("chain.primary_prefix must not be empty")
	}
	if len(c.Chain.Endpoints) == 0 {
		return errors.New("chain.endpoints must not be empty")
	}
	seen := make(map[string]bool, len(c.Chain.Endpoints))
	for i, e := range c.Chain.Endpoints {
		switch {
		case e.Prefix == "":
			return fmt.Errorf("chain.endpoints[%d].prefix must not be empty", i)
		case seen[e.Prefix]:
			return fmt.Errorf("chain.endpoints: prefix %q listed twice", e.Prefix)
		case e.RPC == "" || e.REST == "":
			return fmt.Errorf("chain.endpoints[%s]: rpc and rest are required", e.Prefix)
		case e.FeeDenom == "":
			return fmt.Errorf("chain.endpoints[%s].fee_denom must not be empty", e.Prefix)
		case len(e.Denoms) == 0:
			return fmt.Errorf("chain.endpoints[%s].denoms must not be empty", e.Prefix)
		}
		seen[e.Prefix] = true
	}
	if !seen[c.Chain.PrimaryPrefix] {
		return fmt.Errorf("chain.primary_prefix %q has no entry in chain.endpoints", c.Chain.PrimaryPrefix)
	}
	return nil
}

// Endpoint returns the chain configured for prefix.
func (c *Config) Endpoint(prefix string) (Endpoint, bool) {
	for _, e := range c.Chain.Endpoints {
		if e.Prefix == prefix {
			return e, true
		}
	}
	return Endpoint{}, false
}

// Primary is the endpoint of chain.primary_prefix. Validate guarantees it exists.
func (c *Config) Primary() Endpoint {
	e, _ := c.Endpoint(c.Chain.PrimaryPrefix)
	return e
}

// MaxParallelFiles is how many test files the pool can serve without overlap.
func (c *Config) MaxParallelFiles() int {
	return c.Pool.Size / c.Pool.LimitPerTest
}
