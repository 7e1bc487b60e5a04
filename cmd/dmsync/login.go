package main

import (
	"context"
	"fmt"
	"time"

	dmsync "github.com/dmsync/dmsync-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email> <password>",
	Short: "Log in and store the token",
	Long:  "Exchange credentials for a bearer token and store it in ~/.dmsync/config.toml.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := newClient(&Config{Default: cfg.Default}).Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		sess, err := dmsync.NewSession(res.Token, res.Email)
		if err != nil {
			return fmt.Errorf("server returned an unusable token: %w", err)
		}

		cfg.Auth.Token = res.Token
		cfg.Auth.Email = sess.Identity
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  Identity: %s\n", sess.Identity)
		if !sess.ExpiresAt.IsZero() {
			fmt.Printf("  Token expires: %s\n", sess.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Unregister presence and forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" && cfg.Auth.Email == "" {
			fmt.Println("Not logged in.")
			return nil
		}

		// Connect briefly so the server sees this identity go offline.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e, stop, err := runEngine(ctx); err == nil {
			if !waitConnected(ctx, e) {
				fmt.Println("Could not reach the push channel; clearing local login only.")
			}
			stop()
		}

		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
