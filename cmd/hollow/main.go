// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hollowhead/hollowhead/client"
	"github.com/hollowhead/hollowhead/core/env"
	"github.com/hollowhead/hollowhead/core/identity"
	"github.com/hollowhead/hollowhead/core/log"
	"github.com/hollowhead/hollowhead/core/wire"
	"github.com/hollowhead/hollowhead/core/wire/packet"
)

const (
	modeCommand = "command"
	modeListen  = "listen"

	prompt      = "hollow> "
	clearScreen = "\x1b[H\x1b[2J"
)

// Config holds the command line configuration
type Config struct {
	Address    string
	Name       string
	DataDir    string
	Mode       string
	Yes        bool
	NoRemember bool
	Command    string
	LogLevel   string
	LogFile    string
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "hollow",
		Short: "Hollowhead operator client",
		Long: `hollow is the operator side of hollowhead ("the head"). It connects to
a hollowd host, authenticates both ends, and either runs an interactive
command prompt or streams the host's log entries.

Lines are first tried against the local commands (clear, exit, quit,
status, trust). Everything else runs on the host. Prefix a line with
"remote" to send it to the host even if a local command has that name.`,
		Example: `  # Interactive session with the default host
  hollow --name alice

  # Run a single command and exit
  hollow -a quic://host.example:8080 -c "who"

  # Follow the host log
  hollow -a ws://host.example:8080/hollowhead --mode listen

  # Accept an unknown host once without prompting
  hollow --yes --no-remember`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	// Connection flags
	cmd.Flags().StringVarP(&cfg.Address, "address", "a", client.DefaultAddress,
		"host address (tcp://, quic://, ws:// or wss://)")
	cmd.Flags().StringVarP(&cfg.Name, "name", "n", defaultName(),
		"operator identity name")
	cmd.Flags().StringVarP(&cfg.DataDir, "datadir", "d", defaultDataDir(),
		"directory holding the operator key and trust store")

	// Operation mode flags
	cmd.Flags().StringVarP(&cfg.Mode, "mode", "m", modeCommand,
		"command or listen")
	cmd.Flags().StringVarP(&cfg.Command, "command", "c", "",
		"run a single command line and exit")

	// Trust flags
	cmd.Flags().BoolVarP(&cfg.Yes, "yes", "y", false,
		"accept unknown hosts without prompting")
	cmd.Flags().BoolVar(&cfg.NoRemember, "no-remember", false,
		"never add accepted hosts to the trust store")

	// Logging flags
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "ERROR",
		"client log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")
	cmd.Flags().StringVar(&cfg.LogFile, "log-file", "",
		"client log file, logging is disabled if empty")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func defaultName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}

func defaultDataDir() string {
	if d, err := os.UserConfigDir(); err == nil {
		return filepath.Join(d, "hollowhead")
	}
	return ".hollowhead"
}

func run(ctx context.Context, cfg Config) error {
	switch cfg.Mode {
	case modeCommand, modeListen:
	default:
		return fmt.Errorf("invalid mode '%v', expected %v or %v", cfg.Mode, modeCommand, modeListen)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return err
	}
	logBackend, err := log.New(cfg.LogFile, cfg.LogLevel, cfg.LogFile == "")
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	interactive := cfg.Mode == modeCommand && cfg.Command == "" && term.IsTerminal(fd)
	out := &console{w: os.Stdout}

	c, err := client.New(&client.Config{
		Address:    cfg.Address,
		Name:       cfg.Name,
		DataDir:    dataDir,
		Decide:     decider(cfg, term.IsTerminal(fd)),
		OnLog:      out.logEntry,
		OnClear:    out.clear,
		LogBackend: logBackend,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = c.Connect(sigCtx); err != nil {
		var hsErr *wire.HandshakeError
		if errors.As(err, &hsErr) && strings.EqualFold(cfg.LogLevel, "DEBUG") {
			fmt.Fprintln(os.Stderr, hsErr.Verbose())
		}
		return err
	}

	switch {
	case cfg.Mode == modeListen:
		haltCh := make(chan interface{})
		go func() {
			<-sigCtx.Done()
			close(haltCh)
		}()
		return c.Listen(haltCh)
	case cfg.Command != "":
		res, err := c.Execute(cfg.Command)
		if err != nil && !errors.Is(err, client.ErrExit) {
			return err
		}
		return res.Error()
	case interactive:
		return repl(c, out, fd)
	default:
		return script(c, out, os.Stdin)
	}
}

// decider returns the trust decision for hosts missing from the trust
// store.
func decider(cfg Config, tty bool) wire.TrustDecider {
	return func(peer *identity.Identity, remote net.Addr) (bool, bool) {
		remember := !cfg.NoRemember
		if cfg.Yes {
			return true, remember
		}
		if !tty {
			fmt.Fprintf(os.Stderr, "refusing unknown host '%v' (%v), use --yes to accept\n", peer.Name, remote)
			return false, false
		}
		fmt.Fprintf(os.Stderr, "The host '%v' at %v is not trusted.\nFingerprint: %v\n", peer.Name, remote, peer.Fingerprint())
		fmt.Fprint(os.Stderr, "Connect? [y]es once, [a]lways, [N]o: ")
		switch strings.ToLower(strings.TrimSpace(readLine(os.Stdin))) {
		case "y", "yes":
			return true, false
		case "a", "always":
			return true, remember
		default:
			return false, false
		}
	}
}

// readLine reads up to a newline a byte at a time, so nothing past the
// answer is consumed from stdin.
func readLine(r io.Reader) string {
	var sb strings.Builder
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			sb.WriteByte(b[0])
		}
		if err != nil {
			break
		}
	}
	return sb.String()
}

// console serializes host output with the prompt.
type console struct {
	sync.Mutex
	w io.Writer
}

func (c *console) setWriter(w io.Writer) {
	c.Lock()
	defer c.Unlock()
	c.w = w
}

func (c *console) printf(format string, args ...interface{}) {
	c.Lock()
	defer c.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *console) logEntry(p *packet.Packet) {
	if p.HasTag(env.TagDefault) {
		c.printf("%s\n", p.Data)
		return
	}
	c.printf("%s %s: %s\n", p.Time().Format("15:04:05.000"), strings.Join(p.Tags, " "), p.Data)
}

func (c *console) clear() {
	c.printf("%s", clearScreen)
}

func (c *console) result(res env.Result) {
	switch res.Status {
	case env.Success, env.Skip:
	default:
		c.printf("%v\n", res.Error())
	}
}

// repl runs the interactive prompt on a raw mode terminal.
func repl(c *client.Client, out *console, fd int) error {
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, prompt)
	out.setWriter(t)
	defer out.setWriter(os.Stdout)

	for {
		line, err := t.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		res, err := c.Execute(line)
		switch {
		case errors.Is(err, client.ErrExit):
			return nil
		case errors.Is(err, wire.ErrClosed):
			out.printf("connection closed\n")
			return nil
		case err != nil:
			return err
		}
		out.result(res)
	}
}

// script executes stdin line by line.
func script(c *client.Client, out *console, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		res, err := c.Execute(sc.Text())
		switch {
		case errors.Is(err, client.ErrExit):
			return nil
		case err != nil:
			return err
		}
		out.result(res)
	}
	return sc.Err()
}
