package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cpterm/internal/config"
	"cpterm/internal/logging"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is announced to the extension on startup. Overridden at build time
// with -ldflags "-X main.version=...".
var version = "1.0.0"

var (
	// Global flags
	verbose    bool
	configPath string

	// send flags
	sendPort    int
	sendTimeout string

	// prefs flags
	prefsSet []string
)

// rootCmd runs the native messaging host. Browsers start it with the
// manifest path, origin or extension id as arguments; those are ignored.
var rootCmd = &cobra.Command{
	Use:   "cpterm-host",
	Short: "CPTerm native messaging host",
	Long: `cpterm-host is the native side of the CPTerm browser extension.

It speaks the browser's native messaging protocol on stdin/stdout, writes
problems and code to local files, opens them in your viewer and editor, and
pushes edits back to the page. An optional loopback command server lets
editors trigger "run" and "submit" in the browser.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.Logging.Options(config.HostDir(), verbose)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		defer logging.Sync()
		logging.With(zap.String("session", uuid.NewString()))
		logging.Get(logging.CategoryBoot).Zap().Info("host starting",
			zap.String("version", version),
			zap.Strings("args", args),
			zap.String("log", logging.Path()),
		)

		return runHost(cmd.Context(), cfg, os.Stdin, os.Stdout)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the host version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cpterm-host %s\n", version)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <run|submit>",
	Short: "Send a command to a running host's command server",
	Long: `Connects to the command server of a running host, sends the command and
prints the reply. For run and submit the reply has one line per test case
with the paths of its error, input, output and expected files.

Example:
  cpterm-host send run --port 50000`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Print the effective preferences as YAML",
	Long: `Print the effective preferences as YAML.

With --set, the given preferences are stored in the config file first. Only
values that differ from the built-in defaults are kept there.

Example:
  cpterm-host prefs --set editor=code --set command_server_port=50001`,
	Args: cobra.NoArgs,
	RunE:  runPrefs,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $CPTERM_HOME/host.yaml)")

	sendCmd.Flags().IntVarP(&sendPort, "port", "p", 50000, "Command server port")
	sendCmd.Flags().StringVar(&sendTimeout, "timeout", "2m", "How long to wait for the reply")

	prefsCmd.Flags().StringArrayVar(&prefsSet, "set", nil, "Store a preference as key=value (repeatable)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(prefsCmd)
}

func configFile() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
