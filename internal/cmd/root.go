package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/arbor/internal/config"
	"github.com/Iron-Ham/arbor/internal/errors"
)

// Exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1 // an operation failed or worktrees need attention
	ExitPrecondition = 2 // lock active, not a repository, invalid config
)

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "Worktree lifecycle orchestrator",
	Long: `arbor turns staged feature requests into git worktrees, notices when the
work in them is done, merges the finished branches one by one into their base,
hands merge conflicts to an external resolution agent, and cleans up and
archives everything it merged.

Typical flow:
  arbor stage login "Add a login form"
  arbor build
  ... work happens in .arbor/worktrees/login ...
  arbor complete login --summary "login form with validation"
  arbor close-done`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps an error returned by Execute to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.IsPrecondition(err):
		return ExitPrecondition
	default:
		return ExitFailure
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/arbor/config.yaml)")
	rootCmd.PersistentFlags().StringP("repo", "C", "", "run as if arbor was started in this directory")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("repo", rootCmd.PersistentFlags().Lookup("repo"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/arbor")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ARBOR")
	// Replace dots with underscores for nested keys in env vars
	// e.g., ARBOR_RESOLUTION_AGENT_COMMAND for resolution.agent_command
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()

	// Repository settings override the user's.
	repoConfig := filepath.Join(workDir(), ".arbor", "config.yaml")
	if _, err := os.Stat(repoConfig); err == nil {
		viper.SetConfigFile(repoConfig)
		_ = viper.MergeInConfig()
	}
}

// workDir is the directory commands act on.
func workDir() string {
	if dir := viper.GetString("repo"); dir != "" {
		return dir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}
