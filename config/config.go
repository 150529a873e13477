// Package config loads the service configuration from TOML.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// CurveParams shapes one kinked rate curve. Values are decimals, e.g. a 2%
// base rate is 0.02.
type CurveParams struct {
	Base   float64 `toml:"Base"`
	Slope1 float64 `toml:"Slope1"`
	Slope2 float64 `toml:"Slope2"`
	Kink   float64 `toml:"Kink"`
}

// PoolConfig describes one pool's tree geometry and fee curves.
type PoolConfig struct {
	PoolID      string      `toml:"PoolID"`
	TreeWidth   uint32      `toml:"TreeWidth"`
	MinTick     int32       `toml:"MinTick"`
	TickSpacing int32       `toml:"TickSpacing"`
	Threshold   string      `toml:"Threshold"`
	FeeCurve    CurveParams `toml:"FeeCurve"`
	SplitCurve  CurveParams `toml:"SplitCurve"`
}

// ThresholdInt parses the de-minimis borrow floor; empty means none.
func (p *PoolConfig) ThresholdInt() (*big.Int, error) {
	s := strings.TrimSpace(p.Threshold)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("config: pool %s: bad Threshold %q", p.PoolID, p.Threshold)
	}
	return v, nil
}

type Config struct {
	DataDir string `toml:"DataDir"`
	// Backend selects the node database: memory, leveldb or bolt.
	Backend     string       `toml:"Backend"`
	Environment string       `toml:"Environment"`
	LogFile     string       `toml:"LogFile"`
	Pools       []PoolConfig `toml:"Pools"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown keys: %v", path, undecoded)
	}

	applyDefaults(cfg, path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config, path string) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if strings.TrimSpace(cfg.Backend) == "" {
		cfg.Backend = "leveldb"
	}
	for i := range cfg.Pools {
		p := &cfg.Pools[i]
		if p.TickSpacing == 0 {
			p.TickSpacing = 1
		}
	}
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case "memory", "leveldb", "bolt":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	seen := make(map[string]bool, len(c.Pools))
	for i := range c.Pools {
		p := &c.Pools[i]
		if strings.TrimSpace(p.PoolID) == "" {
			return fmt.Errorf("config: pool %d has no PoolID", i)
		}
		if seen[p.PoolID] {
			return fmt.Errorf("config: duplicate pool %s", p.PoolID)
		}
		seen[p.PoolID] = true
		if p.TreeWidth == 0 || p.TreeWidth&(p.TreeWidth-1) != 0 {
			return fmt.Errorf("config: pool %s: TreeWidth %d not a power of two", p.PoolID, p.TreeWidth)
		}
		if p.TickSpacing <= 0 {
			return fmt.Errorf("config: pool %s: TickSpacing must be positive", p.PoolID)
		}
		if _, err := p.ThresholdInt(); err != nil {
			return err
		}
		for _, cp := range []CurveParams{p.FeeCurve, p.SplitCurve} {
			if cp.Base < 0 || cp.Slope1 < 0 || cp.Slope2 < 0 || cp.Kink < 0 {
				return fmt.Errorf("config: pool %s: curve parameters must be non-negative", p.PoolID)
			}
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Backend:     "leveldb",
		Environment: "local",
		Pools: []PoolConfig{{
			PoolID:      "default",
			TreeWidth:   1 << 16,
			MinTick:     -32768,
			TickSpacing: 1,
			Threshold:   "0",
			FeeCurve:    CurveParams{Base: 0.02, Slope1: 0.15, Slope2: 0.6, Kink: 0.8},
			SplitCurve:  CurveParams{Slope1: 1, Slope2: 4, Kink: 0.8},
		}},
	}
	applyDefaults(cfg, path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
