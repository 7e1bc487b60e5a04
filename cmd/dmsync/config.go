package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configReveal bool

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "Print auth.token in full")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage dmsync configuration",
	Long:  "View or modify the dmsync CLI configuration stored in ~/.dmsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	Long:  "Print the current configuration. The stored token is masked unless --reveal is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'dmsync init <base-url>' to create one.")
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := renderConfig(cfg, configReveal)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: dmsync config set default.transport nats",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

// renderConfig formats cfg as TOML, masking the token unless reveal is set.
func renderConfig(cfg *Config, reveal bool) (string, error) {
	shown := *cfg
	if !reveal && shown.Auth.Token != "" {
		shown.Auth.Token = maskToken(shown.Auth.Token)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return "", fmt.Errorf("cannot render config: %w", err)
	}
	return string(data), nil
}
