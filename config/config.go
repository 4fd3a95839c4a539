// Package config loads the daemon configuration: hard defaults first,
// then an optional YAML file on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LoveWonYoung/x260diag/tp"
	"github.com/LoveWonYoung/x260diag/uds"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "1500ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogDir     string `yaml:"log_dir"`
	DefaultECU string `yaml:"default_ecu"`

	Session struct {
		ResponseTimeout Duration `yaml:"response_timeout"`
		PendingWindow   Duration `yaml:"pending_window"`
		BusyAttempts    uint     `yaml:"busy_attempts"`
		BusyDelay       Duration `yaml:"busy_delay"`
		S3Timeout       Duration `yaml:"s3_timeout"`
	} `yaml:"session"`

	Transport struct {
		TimeoutN_Bs Duration `yaml:"timeout_n_bs"`
		TimeoutN_Cr Duration `yaml:"timeout_n_cr"`
		BlockSize   uint8    `yaml:"block_size"`
		StMin       uint8    `yaml:"st_min"`
		Padding     *uint8   `yaml:"padding"`
	} `yaml:"transport"`

	Bench struct {
		Enabled      bool     `yaml:"enabled"`
		ECUs         []string `yaml:"ecus"`
		ReferenceDir string   `yaml:"reference_dir"`
	} `yaml:"bench"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		ListenAddr: ":8080",
		LogDir:     "logs",
		DefaultECU: "imc",
	}

	policy := uds.DefaultPolicy()
	cfg.Session.ResponseTimeout = Duration(policy.ResponseTimeout)
	cfg.Session.PendingWindow = Duration(policy.PendingWindow)
	cfg.Session.BusyAttempts = policy.BusyAttempts
	cfg.Session.BusyDelay = Duration(policy.BusyDelay)
	cfg.Session.S3Timeout = Duration(policy.S3Timeout)

	tpCfg := tp.DefaultConfig()
	cfg.Transport.TimeoutN_Bs = Duration(tpCfg.TimeoutN_Bs)
	cfg.Transport.TimeoutN_Cr = Duration(tpCfg.TimeoutN_Cr)
	cfg.Transport.BlockSize = tpCfg.BlockSize
	cfg.Transport.StMin = tpCfg.StMin
	cfg.Transport.Padding = tpCfg.PaddingByte

	cfg.Bench.ECUs = []string{"bcm"}
	return cfg
}

// Load reads configuration from a YAML file layered over the defaults. A
// missing file is not an error; the defaults apply unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Policy converts the session section into the engine's timing budgets.
func (c *Config) Policy() uds.Policy {
	return uds.Policy{
		ResponseTimeout: time.Duration(c.Session.ResponseTimeout),
		PendingWindow:   time.Duration(c.Session.PendingWindow),
		BusyAttempts:    c.Session.BusyAttempts,
		BusyDelay:       time.Duration(c.Session.BusyDelay),
		S3Timeout:       time.Duration(c.Session.S3Timeout),
	}
}

// TPConfig converts the transport section into an ISO-TP configuration.
func (c *Config) TPConfig() tp.Config {
	return tp.Config{
		TimeoutN_Bs:  time.Duration(c.Transport.TimeoutN_Bs),
		TimeoutN_Cr:  time.Duration(c.Transport.TimeoutN_Cr),
		BlockSize:    c.Transport.BlockSize,
		StMin:        c.Transport.StMin,
		PaddingByte:  c.Transport.Padding,
		MaxWaitFrame: tp.DefaultConfig().MaxWaitFrame,
		MaxFrameSize: tp.DefaultConfig().MaxFrameSize,
	}
}
