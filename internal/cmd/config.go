package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/arbor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify arbor configuration",
	Long: `View or modify arbor configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the user config file",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  arbor config set branch.prefix feat
  arbor config set resolution.agent_command "my-agent --resolve"
  arbor config set guard.stale_lock_seconds 120

Run 'arbor config show' to see every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/arbor/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// settings returns viper's merged settings without the CLI-only keys.
func settings() map[string]any {
	all := viper.AllSettings()
	delete(all, "config")
	delete(all, "repo")
	return all
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "# Config file: (none - using defaults)\n")
	}

	data, err := yaml.Marshal(settings())
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]

	if !slices.Contains(viper.AllKeys(), key) || key == "config" || key == "repo" {
		return fmt.Errorf("unknown configuration key: %s\nRun 'arbor config show' to see valid keys", key)
	}

	// The value takes the type of the key's default.
	var value any
	switch viper.Get(key).(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		value = b
	case int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		value = n
	default:
		value = raw
	}

	viper.Set(key, value)
	if _, err := loadConfig(); err != nil {
		return err
	}

	// Only the user's own file is rewritten; repository settings stay where they are.
	configFile := config.ConfigFile()
	user := viper.New()
	user.SetConfigFile(configFile)
	if _, err := os.Stat(configFile); err == nil {
		if err := user.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", configFile, err)
		}
	}
	user.Set(key, value)

	if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := user.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\nConfig saved to %s\n", key, value, configFile)
	return nil
}

const defaultConfigContent = `# arbor configuration

paths:
  # Orchestrator state: staged features, records, journals, backups, logs
  state_dir: .arbor
  # Root for feature worktrees (default: <state_dir>/worktrees)
  worktree_dir: ""

branch:
  # Feature branches are named <prefix>/<name>
  prefix: feature

build:
  # Integration branch name template. Fields: .Date (YYYY-MM-DD), .Version
  integration_branch: "integration/{{.Date}}"
  # Ref the integration branch is created from (default: the main branch)
  integration_base: ""
  version: ""
  # Intent file written into every new worktree
  context_file: .arbor-context.md

guard:
  # An empty index.lock older than this is removed as abandoned
  stale_lock_seconds: 60
  # Initial wait before a fresh lock is checked again
  lock_wait_ms: 500
  lock_retries: 3

completion:
  # Where completion records are read from (default: <state_dir>/completions)
  dir: ""

resolution:
  # Conflict resolution agent, run through "sh -c" with the request JSON on stdin.
  # Leave empty to send every conflict to manual review.
  agent_command: ""
  timeout_minutes: 10
  # Optional verification run in the merge workspace after the agent succeeds
  check_command: ""
  check_timeout_minutes: 5

archive:
  # Archive root (default: <state_dir>/archive)
  dir: ""
  # Changelog appended for every archived worktree (default: <state_dir>/CHANGELOG.md)
  changelog: ""
  # Keep conflict backups in the archive instead of deleting them
  keep_backups: true

logging:
  enabled: true
  # debug, info, warn or error
  level: info
  max_size_mb: 10
  max_backups: 3

ui:
  # auto, always or never
  color: auto
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'arbor config set' to modify values", configFile)
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := config.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	fmt.Fprintln(out, "\nSearch paths (later entries override earlier ones):")
	fmt.Fprintf(out, "  1. %s\n", configFile)
	fmt.Fprintf(out, "  2. %s\n", filepath.Join(workDir(), ".arbor", "config.yaml"))
	fmt.Fprintln(out, "\nEnvironment variables: ARBOR_* (e.g., ARBOR_RESOLUTION_AGENT_COMMAND)")
	return nil
}
