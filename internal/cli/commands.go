package cli

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/smallbiznis/gridauth/internal/config"
	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/jwt"
	"github.com/smallbiznis/gridauth/internal/repository"
	"github.com/smallbiznis/gridauth/internal/secret"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/service/pilot"
)

// operatorSubject names the caller in audit logs for CLI-provisioned secrets.
const operatorSubject = "gridauthctl"

func (a *App) print(cmd *cobra.Command, v any) error {
	format, _ := cmd.Flags().GetString("output")
	var (
		raw []byte
		err error
	)
	switch format {
	case "json":
		raw, err = json.MarshalIndent(v, "", "  ")
		raw = append(raw, '\n')
	case "", "yaml":
		raw, err = yaml.Marshal(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = a.out.Write(raw)
	return err
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "yaml", "Output format (yaml, json)")
}

func (a *App) migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := a.databaseURL()
			if err != nil {
				return err
			}
			return repository.Migrate(url, a.logger)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := a.databaseURL()
			if err != nil {
				return err
			}
			version, dirty, err := repository.MigrationVersion(url)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "version=%d dirty=%t\n", version, dirty)
			return nil
		},
	})
	return cmd
}

type keyView struct {
	KID         string     `json:"kid" yaml:"kid"`
	Algorithm   string     `json:"alg" yaml:"alg"`
	Status      string     `json:"status" yaml:"status"`
	ActivatedAt time.Time  `json:"activated_at" yaml:"activated_at"`
	RetiringAt  *time.Time `json:"retiring_at,omitempty" yaml:"retiring_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" yaml:"revoked_at,omitempty"`
}

func (a *App) keyManager(store repository.Store) *jwt.KeyManager {
	return jwt.NewKeyManager(store, a.retirementWindow(), a.logger)
}

func (a *App) retirementWindow() time.Duration {
	cfg := config.Config{
		AccessTokenTTL:      a.v.GetDuration(AccessTokenTTLKey),
		PilotAccessTokenTTL: a.v.GetDuration(PilotAccessTokenTTLKey),
		JobAccessTokenTTL:   a.v.GetDuration(JobAccessTokenTTLKey),
	}
	return jwt.RetirementWindow(cfg.MaxAccessTokenTTL(), a.v.GetDuration(KeyReloadIntervalKey))
}

func (a *App) keysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage token signing keys",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List signing keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(store repository.Store) error {
				keys, err := store.ListKeys(cmd.Context())
				if err != nil {
					return err
				}
				views := make([]keyView, 0, len(keys))
				for _, k := range keys {
					views = append(views, keyView{
						KID: k.KID, Algorithm: k.Algorithm, Status: string(k.Status),
						ActivatedAt: k.ActivatedAt, RetiringAt: k.RetiringAt, RevokedAt: k.RevokedAt,
					})
				}
				return a.print(cmd, views)
			})
		},
	}
	addOutputFlag(list)

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new active key; the current key keeps verifying until retired",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(store repository.Store) error {
				keys := a.keyManager(store)
				if err := keys.Load(cmd.Context()); err != nil {
					return err
				}
				key, err := keys.Rotate(cmd.Context(), nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "active key: %s\n", key.KID)
				return nil
			})
		},
	}

	retire := &cobra.Command{
		Use:   "retire",
		Short: "Revoke retiring keys past their retirement window",
		Long:  `A retiring key stays verifiable for the longest access token lifetime plus
KEY_RELOAD_INTERVAL and the verification leeway. The lifetimes are read from
ACCESS_TOKEN_TTL, PILOT_ACCESS_TOKEN_TTL and JOB_ACCESS_TOKEN_TTL, as the server does.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(store repository.Store) error {
				revoked, err := a.keyManager(store).RetireExpired(cmd.Context())
				if err != nil {
					return err
				}
				for _, kid := range revoked {
					fmt.Fprintf(a.out, "revoked key: %s\n", kid)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, rotate, retire)
	return cmd
}

func (a *App) cleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired flows, pilot secrets and refresh tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(store repository.Store) error {
				report, err := service.NewMaintenance(store, nil, a.logger).CleanupExpired(cmd.Context(), time.Now().UTC())
				if err != nil {
					return err
				}
				return a.print(cmd, report)
			})
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func (a *App) pilotSecretsCommand() *cobra.Command {
	var (
		vo     string
		count  int
		uses   int
		ttl    time.Duration
		sites  []string
		stamps []string
	)
	cmd := &cobra.Command{
		Use:   "pilot-secrets",
		Short: "Provision pilot secrets",
	}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create pilot secrets for a VO",
		Example: `  # Ten single-use secrets valid for a day at one site
  gridauthctl pilot-secrets create --vo gridvo --count 10 --ttl 24h --site site-a`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			node, err := snowflake.NewNode(a.v.GetInt64(SnowflakeNodeKey))
			if err != nil {
				return err
			}
			cfg := config.Config{PilotSecretTTL: a.v.GetDuration(PilotSecretTTLKey)}
			caller := domain.AccessClaims{
				Identity: domain.Identity{Subject: operatorSubject, VO: vo},
				Grant:    domain.Grant{VO: vo, Properties: []string{pilot.PropertyOperator}},
			}
			return a.withStore(cmd.Context(), func(store repository.Store) error {
				pipeline := pilot.NewPipeline(store, store, store, nil, nil, nil, node, cfg, nil, a.logger)
				issued, err := pipeline.CreateSecrets(cmd.Context(), caller, pilot.CreateSecretsInput{
					Count:         count,
					RemainingUses: &uses,
					TTL:           ttl,
					Constraints:   domain.PilotSecretConstraints{VOs: []string{vo}, Sites: sites, PilotStamps: stamps},
				})
				if err != nil {
					return err
				}
				return a.print(cmd, issued)
			})
		},
	}
	create.Flags().StringVar(&vo, "vo", "", "VO the secrets log in to")
	create.Flags().IntVar(&count, "count", 1, "Number of secrets")
	create.Flags().IntVar(&uses, "uses", 1, "Uses per secret, 0 for unlimited")
	create.Flags().DurationVar(&ttl, "ttl", 0, "Secret lifetime (default GRIDAUTH_PILOT_SECRET_TTL)")
	create.Flags().StringSliceVar(&sites, "site", nil, "Restrict to site (repeatable)")
	create.Flags().StringSliceVar(&stamps, "pilot-stamp", nil, "Restrict to pilot stamp (repeatable)")
	_ = create.MarkFlagRequired("vo")
	addOutputFlag(create)

	cmd.AddCommand(create)
	return cmd
}

func (a *App) revokeSubjectCommand() *cobra.Command {
	var vo, subject string
	cmd := &cobra.Command{
		Use:   "revoke-subject",
		Short: "Revoke every refresh token of a subject",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(store repository.Store) error {
				n, err := service.NewRefreshManager(nil, store, nil, nil, a.logger).RevokeAllForSubject(cmd.Context(), vo, subject)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "revoked %d refresh tokens\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&vo, "vo", "", "VO of the subject")
	cmd.Flags().StringVar(&subject, "subject", "", "IdP subject")
	_ = cmd.MarkFlagRequired("vo")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func (a *App) hashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <key>",
		Short: "Print the argon2id hash to configure as LEGACY_EXCHANGE_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := secret.HashArgon2(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, hash)
			return nil
		},
	}
}

func (a *App) stateKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-state-key",
		Short: "Print a random STATE_KEY",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			fmt.Fprintln(a.out, base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}
