// Package liveroom parses live review room command flags and composes the
// service entrypoint.
package liveroom

import (
	"context"
	"flag"
	"fmt"
	"time"

	server "github.com/redmarklive/redmark/internal/liveroom/app"
	entrypoint "github.com/redmarklive/redmark/internal/platform/cmd"
)

// Config holds liveroom command configuration.
type Config struct {
	HTTPAddr   string `env:"REDMARK_LIVEROOM_HTTP_ADDR" envDefault:":8090"`
	RedisURL   string `env:"REDMARK_REDIS_URL"          envDefault:"redis://localhost:6379/0"`
	SQLitePath string `env:"REDMARK_SQLITE_PATH"        envDefault:"redmark.db"`

	TokenIssuer    string `env:"REDMARK_TOKEN_ISSUER"     envDefault:"redmark-auth"`
	TokenAudience  string `env:"REDMARK_TOKEN_AUDIENCE"   envDefault:"redmark-liveroom"`
	TokenPublicKey string `env:"REDMARK_TOKEN_PUBLIC_KEY"`

	TeacherDisconnectGrace time.Duration `env:"REDMARK_TEACHER_DISCONNECT_GRACE" envDefault:"60s"`
	PersistDebounce        time.Duration `env:"REDMARK_PERSIST_DEBOUNCE"         envDefault:"800ms"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "liveroom HTTP listen address")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "room code registry Redis URL")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "submission database path")
	fs.StringVar(&cfg.TokenIssuer, "token-issuer", cfg.TokenIssuer, "expected identity token issuer")
	fs.StringVar(&cfg.TokenAudience, "token-audience", cfg.TokenAudience, "expected identity token audience")
	fs.StringVar(&cfg.TokenPublicKey, "token-public-key", cfg.TokenPublicKey, "base64 Ed25519 public key for identity tokens")
	fs.DurationVar(&cfg.TeacherDisconnectGrace, "teacher-disconnect-grace", cfg.TeacherDisconnectGrace, "grace period before an unattended room closes")
	fs.DurationVar(&cfg.PersistDebounce, "persist-debounce", cfg.PersistDebounce, "debounce window for persisting room mutations")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the liveroom app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLiveRoom, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:               cfg.HTTPAddr,
			RedisURL:               cfg.RedisURL,
			SQLitePath:             cfg.SQLitePath,
			TokenIssuer:            cfg.TokenIssuer,
			TokenAudience:          cfg.TokenAudience,
			TokenPublicKey:         cfg.TokenPublicKey,
			TeacherDisconnectGrace: cfg.TeacherDisconnectGrace,
			PersistDebounce:        cfg.PersistDebounce,
		}); err != nil {
			return fmt.Errorf("serve liveroom: %w", err)
		}
		return nil
	})
}
