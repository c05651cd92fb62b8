// Package node runs one agent: the ABCI app served to CometBFT, the
// behaviour scheduler submitting the agent's payloads, and the metrics and
// ledger services around them.
package node

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ABCI transports accepted by the CometBFT ABCI server.
const (
	TransportSocket = "socket"
	TransportGRPC   = "grpc"
)

// Config holds configuration for an agent node.
type Config struct {
	// 노드 식별
	ChainID string `mapstructure:"chain_id"`
	KeyFile string `mapstructure:"key_file"` // 에이전트 서명 키 (hex)

	// 참여자 주소 목록, 등록 라운드가 이 집합을 기다림
	Participants []string `mapstructure:"participants"`

	// 주소
	ABCIAddr      string `mapstructure:"abci_addr"`      // CometBFT 가 접속하는 ABCI 주소
	ABCITransport string `mapstructure:"abci_transport"` // socket | grpc
	RPCAddr       string `mapstructure:"rpc_addr"`       // CometBFT RPC, tx 제출용
	LedgerAddr    string `mapstructure:"ledger_addr"`    // ledger gRPC 서비스 listen 주소, 비우면 끔
	LedgerRemote  string `mapstructure:"ledger_remote"`  // 원격 ledger gRPC 서비스, 비우면 로컬 RPC 사용

	// 랜덤니스 비콘
	BeaconURL     string        `mapstructure:"beacon_url"`
	BeaconTimeout time.Duration `mapstructure:"beacon_timeout"`

	// 타이밍
	RoundTimeout time.Duration `mapstructure:"round_timeout"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	ResetPause   time.Duration `mapstructure:"reset_pause"`

	// 재시도
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// Prometheus metrics
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsAddr    string `mapstructure:"metrics_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"`

	// Data directory, transition history goes here
	DataDir string `mapstructure:"data_dir"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		ChainID:        "autonomy-chain",
		KeyFile:        "agent.key",
		Participants:   []string{},
		ABCIAddr:       "tcp://127.0.0.1:26658",
		ABCITransport:  TransportSocket,
		RPCAddr:        "http://127.0.0.1:26657",
		LedgerAddr:     "",
		LedgerRemote:   "",
		BeaconURL:      "https://drand.cloudflare.com/public/latest",
		BeaconTimeout:  5 * time.Second,
		RoundTimeout:   30 * time.Second,
		TickInterval:   100 * time.Millisecond,
		ResetPause:     10 * time.Second,
		MaxRetries:     5,
		RetryBackoff:   time.Second,
		MetricsEnabled: true,
		MetricsAddr:    "0.0.0.0:26660",
		LogLevel:       "info",
		DataDir:        "./data",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ChainID == "" {
		return ErrEmptyChainID
	}
	if c.KeyFile == "" {
		return ErrEmptyKeyFile
	}
	if len(c.Participants) == 0 {
		return ErrNoParticipants
	}
	if c.ABCIAddr == "" {
		return ErrEmptyABCIAddr
	}
	if c.ABCITransport != TransportSocket && c.ABCITransport != TransportGRPC {
		return ErrInvalidTransport
	}
	if c.RPCAddr == "" {
		return ErrEmptyRPCAddr
	}
	if c.RoundTimeout <= 0 || c.TickInterval <= 0 {
		return ErrInvalidDuration
	}
	if c.BeaconTimeout < 0 || c.RetryBackoff < 0 || c.ResetPause < 0 {
		return ErrInvalidDuration
	}
	if c.MaxRetries < 0 {
		return ErrInvalidRetries
	}
	switch c.LogLevel {
	case "debug", "info", "error", "none":
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyChainID     = configError("chain ID is required")
	ErrEmptyKeyFile     = configError("key file is required")
	ErrNoParticipants   = configError("at least one participant is required")
	ErrEmptyABCIAddr    = configError("ABCI address is required")
	ErrInvalidTransport = configError("ABCI transport must be socket or grpc")
	ErrEmptyRPCAddr     = configError("CometBFT RPC address is required")
	ErrInvalidDuration  = configError("round timeout and tick interval must be positive, other durations not negative")
	ErrInvalidRetries   = configError("max retries must not be negative")
	ErrInvalidLogLevel  = configError("log level must be debug, info, error or none")
)

// EnvPrefix prefixes the environment variables read by LoadConfig.
const EnvPrefix = "AUTONOMY"

// SetDefaults registers the DefaultConfig values on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("chain_id", d.ChainID)
	v.SetDefault("key_file", d.KeyFile)
	v.SetDefault("participants", d.Participants)
	v.SetDefault("abci_addr", d.ABCIAddr)
	v.SetDefault("abci_transport", d.ABCITransport)
	v.SetDefault("rpc_addr", d.RPCAddr)
	v.SetDefault("ledger_addr", d.LedgerAddr)
	v.SetDefault("ledger_remote", d.LedgerRemote)
	v.SetDefault("beacon_url", d.BeaconURL)
	v.SetDefault("beacon_timeout", d.BeaconTimeout)
	v.SetDefault("round_timeout", d.RoundTimeout)
	v.SetDefault("tick_interval", d.TickInterval)
	v.SetDefault("reset_pause", d.ResetPause)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_backoff", d.RetryBackoff)
	v.SetDefault("metrics_enabled", d.MetricsEnabled)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("data_dir", d.DataDir)
}

// LoadConfig reads the configuration from v: defaults, then the config
// file at path (if any), then AUTONOMY_* environment variables, then any
// flags already bound to v. The result is validated.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Participants = splitList(cfg.Participants)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// splitList accepts both a list and a single comma separated entry, the
// shape participants take when they come from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
