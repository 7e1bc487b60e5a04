package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	dmsync "github.com/dmsync/dmsync-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and login status",
	Long:  "Display the current configuration, check whether the stored token is expired, and probe the service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", baseURL(cfg))
		fmt.Printf("  Transport: %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		if cfg.Default.Transport == "nats" {
			fmt.Printf("  NATS URL:  %s\n", valueOrDefault(cfg.Default.NATSURL, "(not set)"))
		} else {
			fmt.Printf("  WS URL:    %s\n", wsURL(cfg))
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Email: %s\n", valueOrDefault(cfg.Auth.Email, "(not logged in)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token: %s\n", maskToken(cfg.Auth.Token))
		}
		status, sess := tokenStatus(cfg.Auth.Token, cfg.Auth.Email, time.Now())
		fmt.Printf("  Session: %s\n", status)

		if sess == nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rooms, err := newClient(cfg).ListRooms(ctx, sess.Identity)
		if err != nil {
			fmt.Printf("  Error fetching rooms: %v\n", err)
			return nil
		}
		unread := 0
		for _, r := range rooms {
			unread += r.Unread
		}
		fmt.Printf("  Rooms:  %d\n", len(rooms))
		fmt.Printf("  Unread: %d\n", unread)
		return nil
	},
}

// tokenStatus describes the stored credential. The session is nil when it cannot be used.
func tokenStatus(token, email string, now time.Time) (string, *dmsync.Session) {
	if token == "" && email == "" {
		return "none", nil
	}
	s, err := dmsync.NewSession(token, email)
	switch {
	case errors.Is(err, dmsync.ErrSessionExpired):
		return fmt.Sprintf("EXPIRED (expired %s)", s.ExpiresAt.Format(time.RFC3339)), nil
	case err != nil:
		return fmt.Sprintf("invalid (%v)", err), nil
	case s.ExpiresAt.IsZero():
		return fmt.Sprintf("valid for %s (no expiry set)", s.Identity), &s
	case s.Expired(now):
		return fmt.Sprintf("EXPIRED (expired %s)", s.ExpiresAt.Format(time.RFC3339)), nil
	}
	return fmt.Sprintf("valid for %s (expires %s)", s.Identity, s.ExpiresAt.Format(time.RFC3339)), &s
}
