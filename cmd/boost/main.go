package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"boostflow/internal/config"
	"boostflow/internal/logger"
	boostsdk "boostflow/sdk/go"
)

const (
	envPrefix   = "BOOSTFLOW"
	envFileName = ".env"
	tokenEnvKey = "BOOSTFLOW_TOKEN"
)

var rootCmd = &cobra.Command{
	Use:   "boost",
	Short: "Boostflow CLI",
	Long: `Boostflow moves boost orders from payment to payout.
Core concepts:
- Order: a paid boost that a partner takes on; statuses go PENDING -> WAITING or IN_ACTIVE -> IN_PROGRESS -> COMPLETED or CANCEL.
- Roles: CLIENT owns orders, PARTNER works them, ADMIN sets the commission rates and bans users.
- Permissions: what you may do depends on who you are on the order and its status; 'boost evaluate' lists them.
- Confirmation: accept shows your earning and cancel shows your penalty; both need --yes.
- Retry: renew and recover start a fresh order from a finished one, once per order.
- Live: 'boost watch' re-evaluates an order every time it changes on the server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadDotEnv(viper.GetString("workspace"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace path")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("api-url", "", "API base URL (defaults to api.base_url in boostflow.yml)")
	rootCmd.PersistentFlags().String("token", "", "bearer token (or BOOSTFLOW_TOKEN)")
	rootCmd.PersistentFlags().String("api-key", "", "API key (or BOOSTFLOW_API_KEY)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (defaults to log.level in boostflow.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(actCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(commissionCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
}

// --- helpers ---

// session bundles what a remote command needs.
type session struct {
	Config *config.Config
	Logger *zap.Logger
	Client *boostsdk.Client
}

func withSession(ctx context.Context, fn func(context.Context, session) error) error {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	return fn(ctx, session{Config: cfg, Logger: log, Client: newClient(cfg)})
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := viper.GetString("log-level")
	if level == "" {
		level = cfg.Log.Level
	}
	return logger.New(level, true)
}

func newClient(cfg *config.Config) *boostsdk.Client {
	base := viper.GetString("api-url")
	if base == "" {
		base = cfg.API.BaseURL
	}
	c := boostsdk.New(base)
	if cfg.API.Timeout > 0 {
		c.Timeout = cfg.API.Timeout
	}
	c.Token = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	return c
}

func envPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, envFileName)
}

// loadDotEnv exports the workspace .env without overriding variables that are
// already set.
func loadDotEnv(workspace string) error {
	err := godotenv.Load(envPath(workspace))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFileName, err)
	}
	return nil
}

func setEnvValue(path, key, value string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		values = map[string]string{}
	}
	values[key] = value
	return godotenv.Write(values, path)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
