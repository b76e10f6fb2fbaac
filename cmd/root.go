package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mobilipia/build-tools/internal/config"
)

// localConfigPath is checked before the user config.
const localConfigPath = ".forge/config.yaml"

var (
	version    = "dev"
	cfgFile    string
	configUsed string
	password   string
	cfg        config.Config
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Create, build and package apps with the Forge build service",
	Long: `forge talks to the Forge build service to create apps, run remote
builds and fetch the results into the current directory.

Run it from the directory that holds (or will hold) your app's src folder.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/forge/config.yaml)")
	flags.BoolP("verbose", "v", false, "show debug output and tracebacks")
	flags.BoolP("quiet", "q", false, "only show warnings and errors")
	flags.String("username", "", "username to log in with")
	flags.StringVar(&password, "password", "", "password to log in with")
	flags.String("server", "", "base URL of the build API")
	flags.String("event-log", "", "append every task event to this file as JSON lines")

	_ = v.BindPFlag("verbose", flags.Lookup("verbose"))
	_ = v.BindPFlag("quiet", flags.Lookup("quiet"))
	_ = v.BindPFlag("username", flags.Lookup("username"))
	_ = v.BindPFlag("server", flags.Lookup("server"))
	_ = v.BindPFlag("event_log", flags.Lookup("event-log"))
}

func loadConfig(cmd *cobra.Command, args []string) error {
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .forge/config.yaml (current directory)
		// 2. ~/.config/forge/config.yaml (user config)
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
		} else {
			v.AddConfigPath(config.Dir())
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
		// No config file found anywhere - create the default user config.
		if path := config.DefaultConfigPath(); path != "" {
			if writeErr := config.WriteDefaultConfig(path); writeErr == nil {
				v.SetConfigFile(path)
				_ = v.ReadInConfig()
			}
		}
	}
	configUsed = v.ConfigFileUsed()

	loaded, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded
	return nil
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute runs the root command and returns the process exit code.
// SIGINT and SIGTERM cancel the running task.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(ver string) {
	version = ver
	rootCmd.Version = ver
}
