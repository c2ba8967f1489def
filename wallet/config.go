package wallet

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/wallet/history"
	"github.com/elnosh/nutpay/wallet/submanager"
	"gopkg.in/yaml.v3"
)

const (
	BoltBackend   = "bolt"
	SQLiteBackend = "sqlite"
	MemoryBackend = "memory"

	DefaultHTTPTimeout = 30 * time.Second
)

type Config struct {
	WalletPath string `yaml:"wallet_path"`
	// bolt, sqlite or memory
	Backend string `yaml:"backend"`
	// Mints is the list of trusted mints. Tokens from other mints are
	// rejected unless the list is empty.
	Mints        []string      `yaml:"mints"`
	DefaultMint  string        `yaml:"default_mint"`
	Unit         string        `yaml:"unit"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PushTimeout  time.Duration `yaml:"push_timeout"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	MaxHistory   int           `yaml:"max_history"`
	// name of the env var holding the storage passphrase. If the var is
	// unset a random key stored next to the data is used.
	PassphraseEnv string `yaml:"passphrase_env"`
	// wallets without a seed use random secrets and cannot be restored
	RandomSecrets bool   `yaml:"random_secrets"`
	LogLevel      string `yaml:"log_level"`

	// Mnemonic is imported when the wallet has no seed yet.
	Mnemonic string       `yaml:"-"`
	Logger   *slog.Logger `yaml:"-"`
}

// LoadConfig reads the yaml config at path and applies env overrides.
// A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &config); err != nil {
				return Config{}, fmt.Errorf("invalid config file '%v': %w", path, err)
			}
		}
	}

	applyEnvOverrides(&config)
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("NUTPAY_WALLET_PATH"); v != "" {
		config.WalletPath = v
	}
	if v := os.Getenv("NUTPAY_BACKEND"); v != "" {
		config.Backend = v
	}
	if v := os.Getenv("NUTPAY_MINTS"); v != "" {
		config.Mints = splitCommaList(v)
	}
	if v := os.Getenv("MINT_URL"); v != "" {
		config.DefaultMint = v
	}
	if v := os.Getenv("NUTPAY_UNIT"); v != "" {
		config.Unit = v
	}
	if v := os.Getenv("NUTPAY_POLL_INTERVAL"); v != "" {
		config.PollInterval = durationOr(config.PollInterval, v)
	}
	if v := os.Getenv("NUTPAY_PUSH_TIMEOUT"); v != "" {
		config.PushTimeout = durationOr(config.PushTimeout, v)
	}
	if v := os.Getenv("NUTPAY_MAX_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.MaxHistory = n
		}
	}
	if v := os.Getenv("NUTPAY_RANDOM_SECRETS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.RandomSecrets = b
		}
	}
	if v := os.Getenv("NUTPAY_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationOr(fallback time.Duration, v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// setDefaults fills unset fields and normalizes mint urls.
func (config *Config) setDefaults() error {
	if config.Backend == "" {
		config.Backend = BoltBackend
	}
	switch config.Backend {
	case BoltBackend, SQLiteBackend, MemoryBackend:
	default:
		return fmt.Errorf("unknown storage backend '%v'", config.Backend)
	}
	if config.WalletPath == "" && config.Backend != MemoryBackend {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		config.WalletPath = filepath.Join(homedir, ".nutpay", "wallet")
	}
	if config.Unit == "" {
		config.Unit = cashu.Sat.String()
	}
	if _, err := cashu.UnitFromString(config.Unit); err != nil {
		return err
	}
	if config.PollInterval <= 0 {
		config.PollInterval = submanager.DefaultPollInterval
	}
	if config.PushTimeout <= 0 {
		config.PushTimeout = submanager.DefaultPushTimeout
	}
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = DefaultHTTPTimeout
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = history.DefaultMaxTransactions
	}

	mints := make([]string, 0, len(config.Mints))
	for _, mint := range config.Mints {
		normalized, err := cashu.NormalizeMintURL(mint)
		if err != nil {
			return fmt.Errorf("invalid mint in config: %w", err)
		}
		mints = append(mints, normalized)
	}
	config.Mints = mints

	if config.DefaultMint != "" {
		normalized, err := cashu.NormalizeMintURL(config.DefaultMint)
		if err != nil {
			return fmt.Errorf("invalid default mint: %w", err)
		}
		config.DefaultMint = normalized
	} else if len(config.Mints) > 0 {
		config.DefaultMint = config.Mints[0]
	}

	if config.Logger == nil {
		config.Logger = NewLogger(os.Stderr, config.LogLevel)
	}
	return nil
}

// NewLogger returns a text logger at level. Unknown levels mean info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLogLevel(level)}))
}

func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
