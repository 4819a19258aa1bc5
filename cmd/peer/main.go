// treesync peer
//
// Interactive shell over a replicated file tree. With --relay the tree is
// shared with every peer joined to the same room; without it the shell
// works on a private in-memory tree.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fruitsalade/treesync/internal/logging"
	"github.com/fruitsalade/treesync/pkg/bridge"
	"github.com/fruitsalade/treesync/pkg/client"
	"github.com/fruitsalade/treesync/pkg/session"
	"github.com/fruitsalade/treesync/pkg/tree"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "peer",
	Short:        "Edit a replicated file tree",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.String("relay", "", "Relay websocket URL, e.g. ws://localhost:3000/ws (empty = offline)")
	f.String("room", "", "Room to join")
	f.String("user", "", "Username in the room")
	f.String("token", "", "Room token, when the relay requires one")
	f.String("root", "project", "Name of the root directory")
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.String("script", "", "Run commands from a file instead of the prompt")
	f.Duration("sync-timeout", 10*time.Second, "How long a script waits for the room's tree")
}

func run(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	relayURL, _ := f.GetString("relay")
	room, _ := f.GetString("room")
	user, _ := f.GetString("user")
	token, _ := f.GetString("token")
	rootName, _ := f.GetString("root")
	level, _ := f.GetString("log-level")
	script, _ := f.GetString("script")
	syncTimeout, _ := f.GetDuration("sync-timeout")

	if err := logging.Init(logging.Config{Level: level, Format: "console", OutputPath: "stderr"}); err != nil {
		return err
	}
	defer logging.Sync()

	store := tree.New(rootName)
	b := bridge.New(store, session.New(store), nil, bridge.WithLogger(logging.Named("bridge")))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if relayURL != "" {
		if room == "" || user == "" {
			return fmt.Errorf("--room and --user are required with --relay")
		}
		cfg := client.DefaultConfig(relayURL, room, user)
		cfg.Token = token
		c := client.New(cfg, b, logging.Named("client"))
		b.SetEmitter(c)
		go func() {
			if err := c.Run(ctx); err != nil {
				logging.Error("relay connection ended", zap.Error(err))
				fmt.Fprintln(os.Stderr, "disconnected:", err)
				cancel()
			}
		}()
	}

	sh := &shell{b: b, out: os.Stdout}

	if script != "" {
		if relayURL != "" && !waitSynced(ctx, b, syncTimeout) {
			return fmt.Errorf("room tree not received within %s", syncTimeout)
		}
		file, err := os.Open(script)
		if err != nil {
			return err
		}
		defer file.Close()
		return runLines(ctx, sh, file, os.Stderr)
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return runLines(ctx, sh, os.Stdin, os.Stderr)
	}
	return interactive(ctx, sh, room)
}

func waitSynced(ctx context.Context, b *bridge.Bridge, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !b.Synced() {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
	return true
}

// runLines executes one command per line, stopping at the first error.
func runLines(ctx context.Context, sh *shell, r io.Reader, errOut io.Writer) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := sh.exec(scanner.Text()); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(errOut, "line %d: %v\n", lineNo, err)
			return err
		}
	}
	return scanner.Err()
}

func interactive(ctx context.Context, sh *shell, room string) error {
	prompt := "> "
	if room != "" {
		prompt = room + "> "
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()
	sh.out = rl.Stdout()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				fmt.Fprintln(sh.out, "Use 'exit' to leave.")
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := sh.exec(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintln(sh.out, "Error:", err)
		}
	}
}
