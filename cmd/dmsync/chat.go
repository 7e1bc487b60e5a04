package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	dmsync "github.com/dmsync/dmsync-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer>",
	Short: "Chat with a peer interactively",
	Long: `Open the conversation with a peer and keep it in sync.

Plain lines are sent as messages. Commands:
  /reply <id> <text>     reply to a message
  /react <id> <emoji>    toggle a reaction
  /edit <id> <text>      edit one of your messages
  /delete <id>           delete a message for yourself
  /delete-all <id>       delete one of your messages for everyone
  /forward <id> <peer>   forward a message to another peer
  /upload <path>         send a file
  /quit                  leave (Ctrl+D works too)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := args[0]
		ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stopSignals()

		e, stop, err := runEngine(ctx, dmsync.WithUpdateBuffer(256))
		if err != nil {
			return err
		}
		defer stop()

		if err := e.OpenRoom(ctx, peer); err != nil {
			return fmt.Errorf("open %s: %w", peer, err)
		}
		cyan.Printf("Chat with %s (Ctrl+D to exit)\n\n", peer)

		go renderChat(e, peer)
		return chatREPL(ctx, e)
	},
}

// renderChat prints new and changed messages, typing and connection changes until
// the engine closes its update channel.
func renderChat(e *dmsync.Engine, peer string) {
	printed := make(map[string]string)
	for u := range e.Updates() {
		switch u.Kind {
		case dmsync.UpdateTimeline:
			for _, m := range e.Messages() {
				line := formatMessage(m, e.Self())
				if printed[m.ID] == line {
					continue
				}
				if _, seen := printed[m.ID]; seen {
					dim.Print("~ ")
				}
				printed[m.ID] = line
				fmt.Println(line)
			}
		case dmsync.UpdateTyping:
			if r, ok := e.ActiveRoom(); ok {
				if who, typing := e.TypingPeer(r.ID); typing {
					dim.Printf("%s is typing...\n", who)
				}
			}
		case dmsync.UpdatePresence:
			if e.Online(peer) {
				green.Printf("%s is online\n", peer)
			}
		case dmsync.UpdateConnection:
			if u.State == dmsync.StateConnected {
				cyan.Println("connected")
			} else {
				red.Printf("%s\n", u.State)
			}
		}
	}
}

func chatREPL(ctx context.Context, e *dmsync.Engine) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024)
	for {
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		c, err := parseChatLine(line)
		if err != nil {
			red.Fprintf(os.Stderr, "%v\n", err)
			continue
		}
		if c.name == "quit" {
			return nil
		}
		if err := runChatCommand(ctx, e, c); err != nil {
			red.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// ============================================================================
// Command parsing
// ============================================================================

type chatCommand struct {
	name string
	id   string
	arg  string
}

// parseChatLine turns one input line into a command. Lines not starting with a slash
// are messages.
func parseChatLine(line string) (chatCommand, error) {
	if !strings.HasPrefix(line, "/") {
		return chatCommand{name: "send", arg: line}, nil
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "quit":
		return chatCommand{name: name}, nil
	case "upload":
		if rest == "" {
			return chatCommand{}, fmt.Errorf("usage: /upload <path>")
		}
		return chatCommand{name: name, arg: rest}, nil
	case "delete", "delete-all":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return chatCommand{}, fmt.Errorf("usage: /%s <id>", name)
		}
		return chatCommand{name: name, id: rest}, nil
	case "reply", "react", "edit", "forward":
		id, arg, _ := strings.Cut(rest, " ")
		arg = strings.TrimSpace(arg)
		if id == "" || arg == "" {
			return chatCommand{}, fmt.Errorf("usage: /%s <id> <%s>", name, argName(name))
		}
		return chatCommand{name: name, id: id, arg: arg}, nil
	}
	return chatCommand{}, fmt.Errorf("unknown command /%s", name)
}

func argName(cmd string) string {
	switch cmd {
	case "react":
		return "emoji"
	case "forward":
		return "peer"
	}
	return "text"
}

// chatEngine is the part of *dmsync.Engine the REPL drives.
type chatEngine interface {
	Typing(ctx context.Context) error
	Send(ctx context.Context, content, replyToID string) error
	React(ctx context.Context, messageID, emoji string) error
	Edit(ctx context.Context, messageID, content string) error
	DeleteForMe(ctx context.Context, messageID string) error
	DeleteForEveryone(ctx context.Context, messageID string) error
	Forward(ctx context.Context, messageID, peer string) error
	Upload(ctx context.Context, fileName string, r io.Reader) error
}

func runChatCommand(ctx context.Context, e chatEngine, c chatCommand) error {
	switch c.name {
	case "send", "reply":
		// Input is line buffered, so a finished line is the only keystroke we see.
		// The send that follows ends the typing burst.
		if err := e.Typing(ctx); err != nil {
			return err
		}
		return e.Send(ctx, c.arg, c.id)
	case "react":
		return e.React(ctx, c.id, c.arg)
	case "edit":
		return e.Edit(ctx, c.id, c.arg)
	case "delete":
		return e.DeleteForMe(ctx, c.id)
	case "delete-all":
		return e.DeleteForEveryone(ctx, c.id)
	case "forward":
		return e.Forward(ctx, c.id, c.arg)
	case "upload":
		f, err := os.Open(c.arg)
		if err != nil {
			return err
		}
		defer f.Close()
		return e.Upload(ctx, filepath.Base(c.arg), f)
	}
	return fmt.Errorf("unsupported command %q", c.name)
}
