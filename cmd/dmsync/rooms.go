package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	dmsync "github.com/dmsync/dmsync-go"
	"github.com/spf13/cobra"
)

var (
	roomsJSON   bool
	searchJSON  bool
	historyJSON bool
)

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, sess, err := loadSession()
		if err != nil {
			return err
		}
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		records, err := client.ListRooms(ctx, sess.Identity)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if roomsJSON {
			return printJSON(records)
		}
		// presence only colours the list; a failed snapshot shows everyone offline
		online, _ := client.PresenceSnapshot(ctx)

		shown := 0
		for _, r := range records {
			var peer string
			switch sess.Identity {
			case r.UserA:
				peer = r.UserB
			case r.UserB:
				peer = r.UserA
			default:
				continue
			}
			shown++
			printRoom(dmsync.Room{ID: r.RoomID, Peer: peer, Preview: r.Preview, Unread: r.Unread}, online[peer])
		}
		if shown == 0 {
			fmt.Println("No conversations yet.")
		}
		return nil
	},
}

// ============================================================================
// search
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find users to chat with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, sess, err := loadSession()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := newClient(cfg).SearchUsers(ctx, args[0], sess.Identity)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if searchJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%-24s %s\n", u.DisplayName(), u.Email)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <peer>",
	Short: "Print the conversation with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, sess, err := loadSession()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := newClient(cfg).History(ctx, sess.Identity, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			if m.HiddenFor(sess.Identity) {
				continue
			}
			fmt.Println(formatMessage(m, sess.Identity))
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "Output raw JSON")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(historyCmd)
}
