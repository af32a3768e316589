package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"boostflow/internal/app"
	"boostflow/internal/commission"
	"boostflow/internal/config"
	"boostflow/internal/db"
	"boostflow/internal/domain"
	"boostflow/internal/engine/auth"
	"boostflow/internal/live"
	"boostflow/internal/marketplace"
	"boostflow/internal/migrate"
	"boostflow/internal/repo"
	"boostflow/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, memory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("%s_JWT_SECRET is required for bearer auth", envPrefix)
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			if !cmd.Flags().Changed("dev-login") {
				devLogin = cfg.Server.DevLogin
			}

			var conn *sql.DB
			if memory {
				conn, err = db.OpenMemory()
			} else {
				conn, err = db.Open(db.Config{Workspace: workspace})
			}
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(ctx, conn); err != nil {
				return err
			}
			svc := marketplace.New(conn, log)
			if _, err := app.EnsureCommissionConfig(ctx, svc.Repo, cfg.Commission, "system", repo.FormatTS(svc.Now())); err != nil {
				return err
			}

			hub := live.NewHub(log)
			defer hub.Close()
			handler, err := server.New(server.Config{
				Service:  svc,
				Hub:      hub,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: devLogin, Logger: log},
				Logger:   log,
			})
			if err != nil {
				return err
			}
			go server.NewDispatcher(svc.Repo, hub, cfg.Server.DispatchInterval, log).Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving boostflow api", zap.String("addr", addr), zap.String("base_path", basePath), zap.Bool("dev_login", devLogin))
			fmt.Printf("Serving Boostflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev-login")
	cmd.Flags().BoolVar(&memory, "memory", false, "use an in-memory database")
	return cmd
}

func loginCmd() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Get a development token and store it in the workspace .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				resp, err := s.Client.DevLogin(ctx, args[0], auth.ParseRoles(roles))
				if err != nil {
					return err
				}
				path := envPath(viper.GetString("workspace"))
				if err := setEnvValue(path, tokenEnvKey, resp.Token); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(resp)
				}
				fmt.Printf("Logged in as %s (%s); token saved to %s\n", resp.User.Username, roleList(resp.User.Roles), path)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{string(domain.RoleClient)}, "role (repeatable): CLIENT, PARTNER, ADMIN")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				u, err := s.Client.Me(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				banned := ""
				if u.Banned {
					banned = " [banned]"
				}
				fmt.Printf("%s %s (%s)%s\n", u.ID, u.Username, roleList(u.Roles), banned)
				return nil
			})
		},
	}
}

func commissionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commission",
		Short: "Marketplace commission rates",
	}
	cmd.AddCommand(commissionShowCmd())
	cmd.AddCommand(commissionSetCmd())
	cmd.AddCommand(commissionCalcCmd())
	return cmd
}

func commissionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the rates in effect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				cfg, fallback := app.ResolveCommission(ctx, s.Client, s.Logger)
				if viper.GetBool("json") {
					return printJSON(struct {
						domain.CommissionConfig
						Fallback bool `json:"fallback"`
					}{cfg, fallback})
				}
				renderRates(cfg, fallback)
				return nil
			})
		},
	}
}

func commissionSetCmd() *cobra.Command {
	var partnerRate, penaltyRate float64
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace the rates (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			next := domain.CommissionConfig{PartnerCommissionRate: partnerRate, CancellationPenaltyRate: penaltyRate}
			if err := commission.Validate(next); err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				cfg, err := s.Client.SetCommissionConfig(ctx, next)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				renderRates(cfg, false)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&partnerRate, "partner-rate", 0, "partner commission rate")
	cmd.Flags().Float64Var(&penaltyRate, "penalty-rate", 0, "cancellation penalty rate")
	_ = cmd.MarkFlagRequired("partner-rate")
	_ = cmd.MarkFlagRequired("penalty-rate")
	return cmd
}

func commissionCalcCmd() *cobra.Command {
	var price int64
	var partnerRate, penaltyRate float64
	cmd := &cobra.Command{
		Use:   "calc",
		Short: "Compute earning and penalty offline from boostflow.yml rates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			rates := cfg.Commission
			if cmd.Flags().Changed("partner-rate") {
				rates.PartnerCommissionRate = partnerRate
			}
			if cmd.Flags().Changed("penalty-rate") {
				rates.CancellationPenaltyRate = penaltyRate
			}
			amounts := commission.Compute(price, &rates)
			if viper.GetBool("json") {
				return printJSON(amounts)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Price", "Earning", "Penalty"})
			tw.AppendRow(table.Row{price, amounts.PartnerEarning, amounts.PenaltyAmount})
			tw.Render()
			if commission.IsFallback(&rates) {
				fmt.Println("note: some rates were unusable; fallback rates applied")
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&price, "price", 0, "price in minor units")
	cmd.Flags().Float64Var(&partnerRate, "partner-rate", 0, "override partner commission rate")
	cmd.Flags().Float64Var(&penaltyRate, "penalty-rate", 0, "override cancellation penalty rate")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Moderate users (admin)",
	}
	ban := func(use, short string, banned bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <user-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(cmd.Context(), func(ctx context.Context, s session) error {
					call := s.Client.Unban
					if banned {
						call = s.Client.Ban
					}
					u, err := call(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(u)
				})
			},
		}
	}
	cmd.AddCommand(ban("ban", "Ban a user", true))
	cmd.AddCommand(ban("unban", "Lift a ban", false))
	return cmd
}

func ledgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "Show your earnings and penalties (partner)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				l, err := s.Client.Ledger(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(l)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Boost", "Kind", "Amount"})
				for _, e := range l.Items {
					tw.AppendRow(table.Row{e.CreatedAt, e.BoostID, e.Kind, e.Amount})
				}
				tw.AppendFooter(table.Row{"", "", "Total", l.Total})
				tw.Render()
				return nil
			})
		},
	}
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage your API keys",
	}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				k, err := s.Client.CreateAPIKey(ctx, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(k)
				}
				fmt.Printf("Created key %s; export %s_API_KEY=%s\n", k.ID, envPrefix, k.Key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				keys, err := s.Client.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Client.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked key %s\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var boostID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				events, err := s.Client.Events(ctx, n, boostID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Boost", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.BoostID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&boostID, "boost", "", "boost id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default boostflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file path (defaults to the workspace boostflow.yml)")
	return cmd
}

// workspaceReport describes the local workspace: config file and database.
type workspaceReport struct {
	Workspace     string `json:"workspace"`
	ConfigPath    string `json:"config_path"`
	ConfigFound   bool   `json:"config_found"`
	DBPath        string `json:"db_path"`
	DBFound       bool   `json:"db_found"`
	SchemaVersion int    `json:"schema_version"`
	LatestSchema  int    `json:"latest_schema"`
}

// inspectWorkspace reads the workspace without creating anything in it.
func inspectWorkspace(ctx context.Context, workspace string) (workspaceReport, error) {
	r := workspaceReport{
		Workspace:  workspace,
		ConfigPath: config.Path(workspace),
		DBPath:     db.Path(workspace),
	}
	latest, err := migrate.Latest()
	if err != nil {
		return r, err
	}
	r.LatestSchema = latest
	if _, err := os.Stat(r.ConfigPath); err == nil {
		r.ConfigFound = true
	}
	if _, err := os.Stat(r.DBPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, nil
		}
		return r, err
	}
	r.DBFound = true
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return r, err
	}
	defer conn.Close()
	r.SchemaVersion, err = migrate.Version(ctx, conn)
	return r, err
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace config and database state",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := inspectWorkspace(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(r)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendRow(table.Row{"Workspace", r.Workspace})
			tw.AppendRow(table.Row{"Config", foundLabel(r.ConfigPath, r.ConfigFound)})
			tw.AppendRow(table.Row{"Database", foundLabel(r.DBPath, r.DBFound)})
			tw.AppendRow(table.Row{"Schema", fmt.Sprintf("%d of %d", r.SchemaVersion, r.LatestSchema)})
			tw.Render()
			if r.DBFound && r.SchemaVersion < r.LatestSchema {
				fmt.Println("note: schema is behind; boost serve migrates it on start")
			}
			return nil
		},
	}
}

func foundLabel(path string, found bool) string {
	if found {
		return path
	}
	return path + " (missing)"
}

func renderRates(cfg domain.CommissionConfig, fallback bool) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Rate", "Value"})
	tw.AppendRow(table.Row{"partner_commission_rate", cfg.PartnerCommissionRate})
	tw.AppendRow(table.Row{"cancellation_penalty_rate", cfg.CancellationPenaltyRate})
	tw.Render()
	if fallback {
		fmt.Println("note: server config unavailable; showing fallback rates")
	}
}

func roleList(roles []domain.Role) string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return strings.Join(out, ",")
}
