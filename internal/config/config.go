package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// JWTConfig is the signing metadata for the OAuth assertion, loaded from the
// BOT_JWT_CONFIG JSON value: {"iss":"...","aud":"...","kid":"..."}.
type JWTConfig struct {
	Issuer   string `json:"iss"`
	Audience string `json:"aud"`
	KeyID    string `json:"kid"`
}

type Config struct {
	// APIBase is the Coze API host or base URL.
	APIBase string
	// DefaultBotID is used when the requested model has no mapping.
	DefaultBotID string
	// BotConfig maps inbound model names to Coze bot ids, loaded from the
	// BOT_CONFIG JSON value: {"gpt-4":"bot123", ...}.
	BotConfig map[string]string
	// PrivateKey is the PEM-encoded RSA key used to sign OAuth assertions.
	PrivateKey string
	JWT        JWTConfig

	ListenAddr     string
	RequestTimeout time.Duration
}

// Load reads configuration from flags and the environment. A .env file in the
// working directory is folded into the environment first when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg := &Config{}

	flag.StringVar(&cfg.APIBase, "api-base", getEnv("COZE_API_BASE", "api.coze.com"), "Coze API host or base URL")
	flag.StringVar(&cfg.DefaultBotID, "bot-id", getEnv("BOT_ID", ""), "Default bot id when the model has no mapping")
	flag.StringVar(&cfg.PrivateKey, "private-key", getEnv("BOT_PRIVATE_KEY", ""), "PEM-encoded RSA private key for OAuth assertions")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", ":"+getEnv("PORT", "3000")), "Gateway listen address")

	timeoutStr := getEnv("REQUEST_TIMEOUT", "120s")
	defaultTimeout, _ := time.ParseDuration(timeoutStr)
	if defaultTimeout == 0 {
		defaultTimeout = 120 * time.Second
	}
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", defaultTimeout, "Coze round-trip timeout for blocking calls")

	flag.Parse()

	cfg.BotConfig = map[string]string{}
	if raw := os.Getenv("BOT_CONFIG"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.BotConfig); err != nil {
			slog.Warn("invalid BOT_CONFIG, using empty mapping", "error", err)
		}
	}
	if raw := os.Getenv("BOT_JWT_CONFIG"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.JWT); err != nil {
			slog.Warn("invalid BOT_JWT_CONFIG", "error", err)
		}
	}

	return cfg
}

// Validate reports configuration errors that prevent the gateway from making
// upstream calls at all.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("BOT_PRIVATE_KEY is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
