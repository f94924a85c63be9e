package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"github.com/sushant-115/gojodb-pagestore/pkg/logger"
	"go.uber.org/zap"
)

var errExit = errors.New("exit")

const shellHelp = `Commands:
  put <key> <value>
  get <key>
  delete <key>
  scan [start] [limit]
  stat
  backup <destination> [bytes-per-sec]
  flush
  loglevel <debug|info|warn|error>
  help
  exit / quit`

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("delete"),
	readline.PcItem("scan"),
	readline.PcItem("stat"),
	readline.PcItem("backup"),
	readline.PcItem("flush"),
	readline.PcItem("loglevel",
		readline.PcItem("debug"),
		readline.PcItem("info"),
		readline.PcItem("warn"),
		readline.PcItem("error"),
	),
	readline.PcItem("help"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func newShellCmd(opts *rootOptions) *cobra.Command {
	var historyFile string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive session against the page file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.store.runShell(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), historyFile)
		},
	}
	home, _ := os.UserHomeDir()
	defaultHistory := ""
	if home != "" {
		defaultHistory = filepath.Join(home, ".gojodb_pagestore_history")
	}
	cmd.Flags().StringVar(&historyFile, "history", defaultHistory, "readline history file, empty to disable")
	return cmd
}

func (s *store) runShell(ctx context.Context, in io.Reader, out io.Writer, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojodb> ",
		HistoryFile:     historyFile,
		AutoComplete:    shellCompleter,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           io.NopCloser(in),
		Stdout:          out,
	})
	if err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(out, "GojoDB page store shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		err = s.execLine(ctx, out, line)
		if errors.Is(err, errExit) {
			return nil
		}
		if err != nil {
			s.logger.Debug("shell command failed", zap.String("line", line), zap.Error(err))
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
}

// execLine runs one shell line. It returns errExit when the session should end.
func (s *store) execLine(ctx context.Context, out io.Writer, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}

	switch command := strings.ToLower(args[0]); command {
	case "put":
		if len(args) < 3 {
			return errors.New("put requires a key and a value")
		}
		return s.put(ctx, out, args[1], strings.Join(args[2:], " "))
	case "get":
		if len(args) != 2 {
			return errors.New("get requires a key")
		}
		return s.get(ctx, out, args[1])
	case "delete":
		if len(args) != 2 {
			return errors.New("delete requires a key")
		}
		return s.remove(ctx, out, args[1])
	case "scan":
		start, limit := "", defaultScanLimit
		if len(args) > 1 {
			start = args[1]
		}
		if len(args) > 2 {
			var err error
			if limit, err = parseCount(args[2]); err != nil {
				return err
			}
		}
		return s.scan(ctx, out, start, limit)
	case "stat":
		return s.stat(out)
	case "backup":
		if len(args) < 2 || len(args) > 3 {
			return errors.New("backup requires a destination and an optional rate")
		}
		var rate int
		if len(args) == 3 {
			var err error
			if rate, err = parseCount(args[2]); err != nil {
				return err
			}
		}
		return s.backup(ctx, out, args[1], int64(rate))
	case "flush":
		if err := s.am.FlushAll(); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
		return nil
	case "loglevel":
		if len(args) != 2 {
			return errors.New("loglevel requires a level")
		}
		s.level.SetLevel(logger.ParseLevel(args[1]))
		fmt.Fprintf(out, "log level %s\n", s.level.Level())
		return nil
	case "help":
		fmt.Fprintln(out, shellHelp)
		return nil
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", command)
	}
}
