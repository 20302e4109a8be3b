package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configDefaults = map[string]any{
	"agent":   "http://127.0.0.1:8700",
	"timeout": "15s",
	"json":    false,
	"pretty":  false,
	"email":   "",
	"token":   "",
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage fieldctl configuration",
	Long:  `Manage fieldctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, map[string]any{
				"agent":   agentAddr,
				"timeout": timeout.String(),
				"json":    outputJSON,
				"pretty":  prettyJSON,
				"email":   email,
				"token":   jwtToken != "",
			})
		}
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Agent: %s\n", agentAddr)
		fmt.Fprintf(out, "  Timeout: %s\n", timeout)
		fmt.Fprintf(out, "  JSON Output: %v\n", outputJSON)
		fmt.Fprintf(out, "  Pretty JSON: %v\n", prettyJSON)
		fmt.Fprintf(out, "  Email: %s\n", email)
		fmt.Fprintf(out, "  Token set: %v\n", jwtToken != "")

		if prettyJSON && !checkJQAvailable() {
			fmt.Fprintln(out, "  ⚠️  Warning: pretty=true but jq not found in PATH")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
		return nil
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  fieldctl config set agent http://127.0.0.1:8700
  fieldctl config set timeout 30s
  fieldctl config set email volunteer@example.org
  fieldctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if _, ok := configDefaults[key]; !ok {
			return fmt.Errorf("invalid configuration key: %s. Valid keys are: %s", key, strings.Join(configKeys(), ", "))
		}

		switch key {
		case "json", "pretty":
			switch value {
			case "true", "1", "yes", "on":
				viper.Set(key, true)
			case "false", "0", "no", "off":
				viper.Set(key, false)
			default:
				return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
			}
			if key == "pretty" && viper.GetBool("pretty") && !checkJQAvailable() {
				fmt.Fprintln(cmd.ErrOrStderr(), "⚠️  Warning: jq not found in PATH. Pretty formatting will fall back to standard formatting.")
			}
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration for timeout: %s", value)
			}
			viper.Set(key, value)
		default:
			viper.Set(key, value)
		}

		configPath, err := configFilePath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configPath)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := configFilePath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(configPath); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
			}
		}

		for _, k := range configKeys() {
			viper.Set(k, configDefaults[k])
		}
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration file created: %s\n", configPath)
		fmt.Fprintln(out, "Default settings:")
		for _, k := range configKeys() {
			fmt.Fprintf(out, "  %s: %v\n", k, configDefaults[k])
		}
		return nil
	},
}

// configCheckCmd represents the config check command
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and dependencies",
	Long:  `Check the current configuration, jq availability and agent connectivity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration check:")
		fmt.Fprintf(out, "  ✅ fieldctl version: %s\n", Version)

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  ✅ Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  ⚠️  Config file: not found (using defaults)")
		}
		if checkJQAvailable() {
			fmt.Fprintln(out, "  ✅ jq: available")
		} else {
			fmt.Fprintln(out, "  ❌ jq: not found in PATH")
		}
		if email == "" && jwtToken == "" {
			fmt.Fprintln(out, "  ⚠️  Identity: none set; the field API will reject writes")
		} else {
			fmt.Fprintln(out, "  ✅ Identity: set")
		}
		fmt.Fprintf(out, "  ✅ Agent: %s\n", agentAddr)

		fmt.Fprintln(out, "\nTesting agent connectivity...")
		if err := func() error {
			c, err := getClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			_, err = c.Status(ctx)
			return err
		}(); err != nil {
			fmt.Fprintf(out, "  ❌ Agent connectivity: %v\n", err)
		} else {
			fmt.Fprintln(out, "  ✅ Agent connectivity: OK")
		}
		return nil
	},
}

func configKeys() []string {
	keys := make([]string, 0, len(configDefaults))
	for k := range configDefaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".fieldctl.yaml"), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
