package main

import (
	"fmt"

	"github.com/coursemgmt/chatcore"
	"github.com/spf13/cobra"
)

var (
	initUserID      string
	initEnvironment string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "id of the signed-in user, used to tell own messages apart")
	initCmd.Flags().StringVar(&initEnvironment, "env", "", "production, staging or local")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.chatcore/config.toml",
	Long:  "Initialize the chatcore CLI with a session token. Existing endpoint settings are kept.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		switch chatcore.Environment(initEnvironment) {
		case "":
			if cfg.Default.Environment == "" {
				cfg.Default.Environment = string(chatcore.Production)
			}
		case chatcore.Production, chatcore.Staging, chatcore.Local:
			cfg.Default.Environment = initEnvironment
		default:
			return fmt.Errorf("unknown environment %q", initEnvironment)
		}

		if err := saveConfig(cfg); err != nil {
			return err
		}

		path, _ := configPath()
		fmt.Printf("Token %s saved to %s\n", maskToken(cfg.Auth.Token), path)
		if cfg.Auth.UserID == "" {
			fmt.Println("No user id set: unread counts will treat every message as incoming. Use --user-id.")
		}
		return nil
	},
}
