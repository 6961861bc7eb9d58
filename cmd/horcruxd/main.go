// Command horcruxd is the daemon and operator CLI for the social-recovery
// vault: it generates an identity, creates vaults and backup plans, invites
// stewards, runs the gift-wrap gateway and router, and drives recovery
// ceremonies. Its command/flag shape follows the teacher's
// cmd/drand-cli/cli.go.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mplorentz/keydex-sub000/config"
	"github.com/mplorentz/keydex-sub000/distribution"
	"github.com/mplorentz/keydex-sub000/envelope"
	"github.com/mplorentz/keydex-sub000/identity"
	"github.com/mplorentz/keydex-sub000/internal/log"
	"github.com/mplorentz/keydex-sub000/invitation"
	"github.com/mplorentz/keydex-sub000/recovery"
	"github.com/mplorentz/keydex-sub000/relay"
	"github.com/mplorentz/keydex-sub000/router"
	"github.com/mplorentz/keydex-sub000/vault"
	"github.com/mplorentz/keydex-sub000/vaultstore/boltstore"
)

var output = os.Stdout

var (
	version   = "dev"
	gitCommit = "none"
	buildDate = "unknown"
)

func banner() {
	fmt.Fprintf(output, "horcruxd %s (build %s, commit %s)\n", version, buildDate, gitCommit)
}

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "Path to config.toml. Defaults to ~/.horcrux/config.toml.",
}

var jsonLogsFlag = &cli.BoolFlag{
	Name:  "json-logs",
	Usage: "Emit structured JSON logs instead of a console encoder.",
}

func main() {
	app := &cli.App{
		Name:  "horcruxd",
		Usage: "social-recovery vault over Nostr gossip",
		Flags: []cli.Flag{configFlag, jsonLogsFlag},
		Commands: []*cli.Command{
			initCmd,
			vaultCmd,
			inviteCmd,
			serveCmd,
			recoverCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "horcruxd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.String("config"))
}

func loadLogger(cfg *config.Config, c *cli.Context) log.Logger {
	jsonLogs := cfg.JSONLogs || c.Bool("json-logs")
	return log.New(cfg.LogLevelValue(), jsonLogs)
}

func loadIdentity(cfg *config.Config) (*identity.Identity, error) {
	raw, err := os.ReadFile(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("no identity at %s, run 'horcruxd init' first: %w", cfg.IdentityPath, err)
	}
	return identity.ImportBech32(strings.TrimSpace(string(raw)))
}

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "Generate a new identity and write it to the config directory.",
	Action: func(c *cli.Context) error {
		banner()
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if _, err := os.Stat(cfg.IdentityPath); err == nil {
			return fmt.Errorf("identity already exists at %s", cfg.IdentityPath)
		}
		id, err := identity.Generate()
		if err != nil {
			return err
		}
		nsec, err := id.ExportBech32()
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfg.IdentityPath, []byte(nsec+"\n"), 0600); err != nil {
			return fmt.Errorf("write identity: %w", err)
		}
		npub, err := id.PubkeyBech32()
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "identity written to %s\npublic key: %s\n", cfg.IdentityPath, npub)
		return nil
	},
}

var vaultCmd = &cli.Command{
	Name:  "vault",
	Usage: "Create and inspect vaults.",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Create a new vault from content on stdin.",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Required: true},
				&cli.IntFlag{Name: "threshold", Required: true, Usage: "t in t-of-n recovery"},
			},
			Action: func(c *cli.Context) error {
				banner()
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				id, err := loadIdentity(cfg)
				if err != nil {
					return err
				}
				store, err := boltstore.Open(cfg.DataDir, loadLogger(cfg, c))
				if err != nil {
					return err
				}
				defer store.Close()

				content, err := readAllStdin()
				if err != nil {
					return err
				}
				if len(content) > vault.MaxContentBytes {
					return fmt.Errorf("content is %d bytes, max is %d", len(content), vault.MaxContentBytes)
				}

				vaultID, err := vault.NewID()
				if err != nil {
					return err
				}
				v := &vault.Vault{
					ID:          vaultID,
					Name:        c.String("name"),
					Content:     content,
					OwnerPubkey: id.PubkeyHex(),
					BackupPlan: &vault.BackupPlan{
						Threshold: c.Int("threshold"),
						Relays:    cfg.Relays,
						Status:    vault.PlanDraft,
					},
				}
				if err := store.PutVault(context.Background(), v); err != nil {
					return err
				}
				fmt.Fprintf(output, "vault created: %s\n", v.ID)
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "List vaults in the local store.",
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				store, err := boltstore.Open(cfg.DataDir, loadLogger(cfg, c))
				if err != nil {
					return err
				}
				defer store.Close()
				vaults, err := store.ListVaults(context.Background())
				if err != nil {
					return err
				}
				for _, v := range vaults {
					status := "no plan"
					if v.BackupPlan != nil {
						status = v.BackupPlan.Status.String()
					}
					fmt.Fprintf(output, "%s\t%s\t%s\n", v.ID, v.Name, status)
				}
				return nil
			},
		},
		{
			Name:  "remove-steward",
			Usage: "Remove a steward from a vault's backup plan and notify them.",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "vault-id", Required: true},
				&cli.StringFlag{Name: "steward-pubkey", Required: true, Usage: "hex pubkey of the steward to remove"},
			},
			Action: func(c *cli.Context) error {
				banner()
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				id, err := loadIdentity(cfg)
				if err != nil {
					return err
				}
				logger := loadLogger(cfg, c)
				store, err := boltstore.Open(cfg.DataDir, logger)
				if err != nil {
					return err
				}
				defer store.Close()

				v, err := store.GetVault(context.Background(), vault.ID(c.String("vault-id")))
				if err != nil {
					return err
				}
				gateway, err := relay.NewGateway(logger, v.BackupPlan.Relays, id.PubkeyHex(), nil)
				if err != nil {
					return err
				}
				eng := distribution.New(logger, store, gateway, id)
				if err := eng.RemoveSteward(context.Background(), v, c.String("steward-pubkey")); err != nil {
					return err
				}
				fmt.Fprintf(output, "steward %s removed from vault %s; plan now at version %d\n",
					c.String("steward-pubkey"), v.ID, v.BackupPlan.Version)
				return nil
			},
		},
	},
}

var inviteCmd = &cli.Command{
	Name:  "invite",
	Usage: "Invite a steward to a vault's backup plan.",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "vault-id", Required: true},
		&cli.StringFlag{Name: "name", Required: true, Usage: "the steward's display name"},
		&cli.StringFlag{Name: "host", Required: true, Usage: "hostname embedded in the invite link"},
	},
	Action: func(c *cli.Context) error {
		banner()
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		id, err := loadIdentity(cfg)
		if err != nil {
			return err
		}
		logger := loadLogger(cfg, c)
		store, err := boltstore.Open(cfg.DataDir, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		v, err := store.GetVault(context.Background(), vault.ID(c.String("vault-id")))
		if err != nil {
			return err
		}
		gateway, err := relay.NewGateway(logger, v.BackupPlan.Relays, id.PubkeyHex(), nil)
		if err != nil {
			return err
		}
		eng := invitation.New(logger, store, gateway, id)
		_, link, err := eng.Create(context.Background(), v, c.String("host"), c.String("name"))
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "invite link: %s\n", link)
		return nil
	},
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Run the gateway, router, and all three engines until interrupted.",
	Action: func(c *cli.Context) error {
		banner()
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		id, err := loadIdentity(cfg)
		if err != nil {
			return err
		}
		logger := loadLogger(cfg, c)
		store, err := boltstore.Open(cfg.DataDir, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		r, err := router.New(logger, id)
		if err != nil {
			return err
		}
		gateway, err := relay.NewGateway(logger, cfg.Relays, id.PubkeyHex(), r.HandleGiftWrap)
		if err != nil {
			return err
		}

		invEngine := invitation.New(logger, store, gateway, id)
		distEngine := distribution.New(logger, store, gateway, id)
		recEngine := recovery.New(logger, store, gateway, id)

		r.Register(envelope.KindInvitationRSVP, invEngine.HandleRSVP)
		r.Register(envelope.KindInvitationDenial, invEngine.HandleDenial)
		r.Register(envelope.KindShareDelivery, distEngine.HandleShareDelivery)
		r.Register(envelope.KindShardConfirmation, distEngine.HandleConfirmation)
		r.Register(envelope.KindStewardRemoval, distEngine.HandleRemoval)
		r.Register(envelope.KindRecoveryRequest, recoveryRequestHandler(logger, recEngine))
		r.Register(envelope.KindRecoveryResponse, recEngine.HandleResponse)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		gateway.Start(ctx)
		defer gateway.Close()

		logger.Infow("horcruxd serving", "pubkey", id.PubkeyHex(), "relays", cfg.Relays)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Infow("shutting down")
		return nil
	},
}

var recoverCmd = &cli.Command{
	Name:  "recover",
	Usage: "Initiate a recovery ceremony for a vault.",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "vault-id", Required: true},
	},
	Action: func(c *cli.Context) error {
		banner()
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		id, err := loadIdentity(cfg)
		if err != nil {
			return err
		}
		logger := loadLogger(cfg, c)
		store, err := boltstore.Open(cfg.DataDir, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		v, err := store.GetVault(context.Background(), vault.ID(c.String("vault-id")))
		if err != nil {
			return err
		}
		gateway, err := relay.NewGateway(logger, v.BackupPlan.Relays, id.PubkeyHex(), nil)
		if err != nil {
			return err
		}
		eng := recovery.New(logger, store, gateway, id)
		rr, err := eng.Initiate(context.Background(), v, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "recovery request %s sent to %d steward(s); status=%s\n",
			rr.ID, len(v.BackupPlan.AcceptedStewards()), rr.Status)
		return nil
	},
}

// recoveryRequestHandler prompts the operator for an approve/deny decision
// over stdin, the way the teacher's resetCmd confirms destructive actions,
// since recovery approval has no UI layer in this module's scope.
func recoveryRequestHandler(logger log.Logger, eng *recovery.Engine) router.Handler {
	return func(rumor *envelope.Event, giftWrapID string) error {
		req, share, err := eng.HandleRecoveryRequest(rumor, giftWrapID)
		if err != nil {
			return err
		}
		if share == nil {
			logger.Warnw("recovery request for a vault with no locally stored share", "vault_id", req.VaultID)
			return nil
		}
		fmt.Fprintf(output, "recovery request %s for vault %s: approve? [y/N] ", req.RecoveryRequestID, req.VaultID)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		ctx := context.Background()
		if answer == "y" {
			return eng.Approve(ctx, rumor.Pubkey, req, share.Payload)
		}
		return eng.Deny(ctx, rumor.Pubkey, req)
	}
}

func readAllStdin() ([]byte, error) {
	reader := bufio.NewReader(os.Stdin)
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

