package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mentora/coedit/internal/awareness"
	"github.com/mentora/coedit/internal/doc"
	"github.com/mentora/coedit/internal/session"
	"github.com/mentora/coedit/internal/transport"
)

// EditOptions holds flags for the edit command.
type EditOptions struct {
	*RootOptions
	Relay    string
	Room     string
	Doc      string
	ClientID string
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Join a shared document from the terminal",
		Long: `Join a shared document and edit it with line commands.

Commands:
  insert <pos> <text>   insert text at a visible position
  delete <pos> <len>    delete a visible range
  cursor <pos>          share your cursor position with peers
  show                  print the current document
  peers                 print who else is present
  quit                  leave

Example:
  coedit edit --relay ws://localhost:8080 --room physics --doc notes`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Relay, "relay", "", "relay URL, ws://host:port (overrides config)")
	cmd.Flags().StringVar(&opts.Room, "room", "", "room name (overrides config)")
	cmd.Flags().StringVar(&opts.Doc, "doc", "", "document name (overrides config)")
	cmd.Flags().StringVar(&opts.ClientID, "client-id", "", "participant ID (generated if empty)")

	return cmd
}

func runEdit(opts *EditOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Relay != "" {
		cfg.Client.Relay = opts.Relay
	}
	if opts.Room != "" {
		cfg.Client.Room = opts.Room
	}
	if opts.Doc != "" {
		cfg.Client.Doc = opts.Doc
	}
	if opts.ClientID != "" {
		cfg.Client.ClientID = opts.ClientID
	}
	if cfg.Client.ClientID == "" {
		cfg.Client.ClientID = uuid.NewString()
	}

	out := cmd.OutOrStdout()
	sess := session.New(doc.ClientID(cfg.Client.ClientID),
		transport.NewWSDialer(cfg.Client.URL()),
		session.WithLogger(slog.Default()),
		session.WithBackoff(cfg.Client.BackoffInitial, cfg.Client.BackoffMax),
		session.WithHandshakeTimeout(cfg.Client.HandshakeTimeout),
		session.WithAwarenessStaleness(cfg.Client.AwarenessStaleness),
		session.OnChange(func(text string) {
			fmt.Fprintf(out, "doc: %q\n", text)
		}),
		session.OnStatus(func(state session.State) {
			fmt.Fprintf(out, "status: %s\n", state)
		}),
	)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	runDone := make(chan error, 1)
	go func() {
		runDone <- sess.Run(parentCtx)
	}()
	defer func() {
		sess.Close()
		<-runDone
	}()

	fmt.Fprintf(out, "Joined %s/%s as %s. Type 'quit' to leave.\n",
		cfg.Client.Room, cfg.Client.Doc, cfg.Client.ClientID)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		quit, err := dispatch(sess, out, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if quit {
			break
		}
	}
	return scanner.Err()
}

// dispatch executes one edit-command line. Returns true to leave the loop.
func dispatch(sess *session.Session, out io.Writer, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "insert", "i":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: insert <pos> <text>")
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("bad position %q", fields[1])
		}
		text := strings.Join(fields[2:], " ")
		return false, sess.Insert(pos, text)

	case "delete", "d":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: delete <pos> <len>")
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("bad position %q", fields[1])
		}
		length, err := strconv.Atoi(fields[2])
		if err != nil {
			return false, fmt.Errorf("bad length %q", fields[2])
		}
		return false, sess.Delete(pos, length)

	case "cursor", "c":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: cursor <pos>")
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("bad position %q", fields[1])
		}
		state, err := json.Marshal(map[string]int{"cursor": pos})
		if err != nil {
			return false, err
		}
		return false, sess.PublishAwareness(state)

	case "show", "t":
		fmt.Fprintf(out, "doc: %q\n", sess.Text())
		return false, nil

	case "peers", "p":
		printPeers(out, sess.Awareness())
		return false, nil

	case "quit", "q":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

func printPeers(out io.Writer, records []awareness.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "nobody here")
		return
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%s: %s\n", rec.Client, string(rec.State))
	}
}
