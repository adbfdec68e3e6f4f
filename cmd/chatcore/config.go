package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configShowSecrets bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowSecrets, "show-secrets", false, "print the token unmasked")
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatcore configuration",
	Long:  "View or modify the chatcore CLI configuration stored in ~/.chatcore/config.toml.\nCHATCORE_* environment variables take precedence over the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		for _, key := range configKeys {
			v := *cfg.field(key)
			if key == "auth.token" && v != "" && !configShowSecrets {
				v = maskToken(v)
			}
			source := "file"
			if env := envOverrides[key]; env != "" && lookupEnv(env) {
				source = env
			}
			fmt.Printf("%-20s = %-36q # %s\n", key, v, source)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		f := cfg.field(args[0])
		if f == nil {
			return fmt.Errorf("unknown config key %q", args[0])
		}
		fmt.Println(*f)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatcore config set default.base_url https://learn.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
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
