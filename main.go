package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veilix/pkg/chain"
	"veilix/pkg/config"
	"veilix/pkg/logging"
	"veilix/pkg/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version should be set during build
var Version = "dev"

var (
	configPath string
	logLevel   string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:           "veilix",
	Short:         "Validator telemetry dashboard and account client for a proof-of-authority chain",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDashboard,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default ~/"+config.ConfigFileName+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "veilix.log", "Dashboard log file")
	rootCmd.Flags().Int("port", 0, "Also serve the API on this port while the dashboard runs (0 disables)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "veilix: %v\n", err)
		os.Exit(1)
	}
}

func levelFor(cfg config.Config) string {
	if logLevel != "" {
		return logLevel
	}
	return cfg.LogLevel
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// The terminal belongs to the dashboard; logs go to a file.
	f, err := logging.OpenFile(logFile)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer func() { _ = f.Close() }()
	logger := logging.New(f, levelFor(cfg), false)

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Connecting to %s...\n", cfg.NodeURL)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.startFeeds(ctx)

	port, _ := cmd.Flags().GetInt("port")
	if port > 0 {
		go func() {
			if err := a.serve(ctx, port); err != nil {
				logger.Error().Err(err).Msg("API server stopped")
			}
		}()
	}

	return a.dashboard(Version)
}

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run headless: poll, consume push events and serve the HTTP/WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, levelFor(cfg), true)

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			a.startFeeds(ctx)

			return a.serve(ctx, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Port for the API server")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var (
		asJSON bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Test the configuration and node connectivity, filling in a missing chain ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GetConfigPath(configPath)
			if err != nil {
				return fmt.Errorf("determining config path: %w", err)
			}
			cfg, err := config.LoadConfigFromFile(path)
			if err != nil {
				return fmt.Errorf("loading config from %s: %w", path, err)
			}
			cfg = config.ApplyEnv(cfg)

			out := cmd.OutOrStdout()
			if asJSON {
				out = io.Discard
			}
			logger := logging.New(cmd.ErrOrStderr(), levelFor(cfg), true)
			if asJSON {
				logger = zerolog.Nop()
			}

			report, updated := runCheck(cmd.Context(), cfg, path, dryRun, out, logger)
			if updated != nil && !dryRun {
				if err := config.SaveConfig(*updated, path); err != nil {
					report.SaveError = err.Error()
					fmt.Fprintf(out, "Failed to save config: %v\n", err)
				} else {
					fmt.Fprintln(out, "Configuration saved successfully.")
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			if !report.ValidStructure {
				return fmt.Errorf("configuration is invalid")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output check results as JSON")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Perform a trial run with no changes made")
	return cmd
}

// runCheck dials the node and push endpoints. It returns the config to save
// when the chain ID was filled in, or nil.
func runCheck(ctx context.Context, cfg config.Config, path string, dryRun bool, out io.Writer, logger zerolog.Logger) (models.CheckReport, *config.Config) {
	if ctx == nil {
		ctx = context.Background()
	}
	report := models.CheckReport{ConfigPath: path, ValidStructure: true, DryRun: dryRun}
	fmt.Fprintf(out, "Testing configuration at: %s\n", path)

	if problems := config.Validate(cfg); len(problems) > 0 {
		report.ValidStructure = false
		report.StructureErrors = problems
		for _, p := range problems {
			fmt.Fprintf(out, "Error: %s\n", p)
		}
		return report, nil
	}

	report.WalletCount = len(cfg.Wallets)
	for _, w := range cfg.Wallets {
		report.AccountCount += len(w.Keys)
	}
	fmt.Fprintf(out, "Found %d wallets holding %d accounts.\n", report.WalletCount, report.AccountCount)

	var updated *config.Config
	node := models.EndpointResult{Name: "node", URL: cfg.NodeURL}
	fmt.Fprintf(out, "Node: %s ... ", cfg.NodeURL)
	c, err := chain.Connect(ctx, cfg.NodeURL,
		chain.WithAttempts(1),
		chain.WithValidatorsMethod(cfg.ValidatorsMethod),
		chain.WithLogger(logger),
	)
	if err != nil {
		node.Status = "error"
		node.Error = err.Error()
		fmt.Fprintf(out, "Failed: %v\n", err)
	} else {
		id := c.ChainID()
		c.Close()
		node.Status = "ok"
		node.ChainID = id.Int64()
		fmt.Fprintf(out, "OK (ChainID: %s)", id)
		switch {
		case cfg.ChainID == 0:
			next := cfg
			next.ChainID = id.Int64()
			updated = &next
			report.ConfigUpdated = true
			fmt.Fprint(out, " - UPDATED CONFIG")
			if dryRun {
				fmt.Fprint(out, " (DRY RUN)")
			}
		case id.Cmp(big.NewInt(cfg.ChainID)) != 0:
			report.ChainIDMismatch = true
			node.Error = fmt.Sprintf("Mismatch! Expected %d", cfg.ChainID)
			fmt.Fprintf(out, " - MISMATCH! Expected %d", cfg.ChainID)
		default:
			fmt.Fprint(out, " - Verified")
		}
		fmt.Fprintln(out)
	}
	report.Endpoints = append(report.Endpoints, node)

	report.Endpoints = append(report.Endpoints, checkPush(ctx, cfg.PushURL, out))

	if updated != nil && dryRun {
		fmt.Fprintln(out, "Dry run enabled: Configuration NOT saved.")
	}
	return report, updated
}

func checkPush(ctx context.Context, url string, out io.Writer) models.EndpointResult {
	res := models.EndpointResult{Name: "push", URL: url}
	if url == "" {
		res.Status = "skipped"
		fmt.Fprintln(out, "Push: not configured, polling only")
		return res
	}

	fmt.Fprintf(out, "Push: %s ... ", url)
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
		fmt.Fprintf(out, "Failed: %v\n", err)
		return res
	}
	_ = conn.Close()
	res.Status = "ok"
	fmt.Fprintln(out, "OK")
	return res
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "restore",
		Short: "Restore the most recent configuration backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GetConfigPath(configPath)
			if err != nil {
				return err
			}
			backup, err := config.RestoreLastBackup(path)
			if err != nil {
				return fmt.Errorf("restoring %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n", path, backup)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "veilix version %s\n", Version)
		},
	}
}
