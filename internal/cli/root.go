// Package cli implements gridauthctl, the operator tool that works directly
// against the gridauth database.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/smallbiznis/gridauth/internal/repository"
)

const (
	DatabaseURLKey      = "database_url"
	LogLevelKey         = "log.level"
	AccessTokenTTLKey      = "access_token_ttl"
	PilotAccessTokenTTLKey = "pilot_access_token_ttl"
	JobAccessTokenTTLKey   = "job_access_token_ttl"
	KeyReloadIntervalKey   = "key_reload_interval"
	PilotSecretTTLKey   = "pilot_secret_ttl"
	SnowflakeNodeKey    = "snowflake_node"
)

// StoreOpener opens the store a command operates on. The returned func releases it.
type StoreOpener func(ctx context.Context, databaseURL string) (repository.Store, func(), error)

// App carries the state shared by every command.
type App struct {
	v         *viper.Viper
	out       io.Writer
	openStore StoreOpener
	logger    *zap.Logger
}

// Option customises an App.
type Option func(*App)

// WithOutput redirects command output.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithStoreOpener replaces the Postgres store.
func WithStoreOpener(open StoreOpener) Option {
	return func(a *App) { a.openStore = open }
}

// NewRootCommand builds the gridauthctl command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	a := &App{v: viper.New(), out: os.Stdout, openStore: openPostgres}
	for _, opt := range opts {
		opt(a)
	}

	root := &cobra.Command{
		Use:   "gridauthctl",
		Short: "Administer a gridauth deployment",
		Long: `gridauthctl runs maintenance against the gridauth database:
schema migrations, signing-key rotation, cleanup of expired records,
pilot secret provisioning and bulk revocation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(a.v.GetString(LogLevelKey))
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("database-url", "", "Postgres connection URL (env GRIDAUTH_DATABASE_URL or DATABASE_URL)")
	_ = a.v.BindPFlag(DatabaseURLKey, flags.Lookup("database-url"))
	_ = a.v.BindEnv(DatabaseURLKey, "GRIDAUTH_DATABASE_URL", "DATABASE_URL")

	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	_ = a.v.BindPFlag(LogLevelKey, flags.Lookup("log-level"))

	// Key retirement must agree with the server, so the token lifetimes and
	// reload interval are read from the server's own variables.
	for key, def := range map[string]time.Duration{
		AccessTokenTTLKey:      20 * time.Minute,
		PilotAccessTokenTTLKey: 20 * time.Minute,
		JobAccessTokenTTLKey:   10 * time.Minute,
		KeyReloadIntervalKey:   time.Minute,
	} {
		a.v.SetDefault(key, def)
		_ = a.v.BindEnv(key, "GRIDAUTH_"+strings.ToUpper(key), strings.ToUpper(key))
	}
	a.v.SetDefault(PilotSecretTTLKey, 7*24*time.Hour)
	a.v.SetDefault(SnowflakeNodeKey, 1023)
	a.v.SetEnvPrefix("GRIDAUTH")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.migrateCommand(),
		a.keysCommand(),
		a.cleanupCommand(),
		a.pilotSecretsCommand(),
		a.revokeSubjectCommand(),
		a.hashKeyCommand(),
		a.stateKeyCommand(),
	)
	return root
}

// Execute runs gridauthctl with os.Args.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func (a *App) databaseURL() (string, error) {
	url := a.v.GetString(DatabaseURLKey)
	if url == "" {
		return "", fmt.Errorf("database URL not configured (use --database-url or set GRIDAUTH_DATABASE_URL)")
	}
	return url, nil
}

// withStore opens the store, runs fn and releases the store.
func (a *App) withStore(ctx context.Context, fn func(repository.Store) error) error {
	url := a.v.GetString(DatabaseURLKey)
	store, release, err := a.openStore(ctx, url)
	if err != nil {
		return err
	}
	defer release()
	return fn(store)
}

func openPostgres(ctx context.Context, databaseURL string) (repository.Store, func(), error) {
	if databaseURL == "" {
		return nil, nil, fmt.Errorf("database URL not configured (use --database-url or set GRIDAUTH_DATABASE_URL)")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return repository.NewPostgresStore(pool), pool.Close, nil
}
