package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sushant-115/gojodb-pagestore/pkg/config"
)

const defaultScanLimit = 100

// rootOptions holds the persistent flags and the store opened for the running command.
type rootOptions struct {
	configPath  string
	dbPath      string
	poolSize    int
	logLevel    string
	metricsAddr string

	store *store
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	root, opts := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(ctx)
	if opts.store != nil {
		if cerr := opts.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "gojodb-pagestore",
		Short:         "Inspect and edit a GojoDB page file",
		Long:          "A command line interface over a single-file B-tree built on slotted pages and a clock-sweep buffer pool.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolveConfig(cmd)
			if err != nil {
				return err
			}
			opts.store, err = openStore(cfg, opts.metricsAddr)
			return err
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.dbPath, "db", "", "page file path (overrides storage.path)")
	flags.IntVar(&opts.poolSize, "pool-size", config.DefaultPoolSize, "buffer pool slots (overrides storage.pool_size)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")

	root.AddCommand(
		newPutCmd(opts),
		newGetCmd(opts),
		newDeleteCmd(opts),
		newScanCmd(opts),
		newStatCmd(opts),
		newBackupCmd(opts),
		newShellCmd(opts),
	)
	return root, opts
}

// resolveConfig layers the config file and then any explicitly set flags over the defaults.
func (o *rootOptions) resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Storage.Path = o.dbPath
	}
	if flags.Changed("pool-size") {
		cfg.Storage.PoolSize = o.poolSize
	}
	if flags.Changed("log-level") {
		cfg.Logger.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

func newPutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Insert or replace a key",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.store.put(cmd.Context(), cmd.OutOrStdout(), args[0], strings.Join(args[1:], " "))
		},
	}
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.store.get(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.store.remove(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func newScanCmd(opts *rootOptions) *cobra.Command {
	var start string
	var limit int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List entries in key order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.store.scan(cmd.Context(), cmd.OutOrStdout(), start, limit)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first key to list")
	cmd.Flags().IntVar(&limit, "limit", defaultScanLimit, "maximum entries to list, 0 for all")
	return cmd
}

func newStatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Show page file and buffer pool statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.store.stat(cmd.OutOrStdout())
		},
	}
}

func newBackupCmd(opts *rootOptions) *cobra.Command {
	var rate int64
	cmd := &cobra.Command{
		Use:   "backup <destination>",
		Short: "Flush and copy the page file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.store.backup(cmd.Context(), cmd.OutOrStdout(), args[0], rate)
		},
	}
	cmd.Flags().Int64Var(&rate, "rate", 0, "copy throttle in bytes per second, 0 for unthrottled")
	return cmd
}

func (s *store) put(ctx context.Context, out io.Writer, key, value string) error {
	if err := s.tree.Insert(ctx, []byte(key), []byte(value)); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func (s *store) get(ctx context.Context, out io.Writer, key string) error {
	value, found, err := s.tree.Search(ctx, []byte(key))
	if err != nil {
		return fmt.Errorf("get %q: %w", key, err)
	}
	if !found {
		fmt.Fprintln(out, "NOT_FOUND")
		return nil
	}
	fmt.Fprintln(out, string(value))
	return nil
}

func (s *store) remove(ctx context.Context, out io.Writer, key string) error {
	if err := s.tree.Delete(ctx, []byte(key)); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func (s *store) scan(ctx context.Context, out io.Writer, start string, limit int) error {
	var listed int
	err := s.tree.AscendFrom(ctx, []byte(start), func(key, value []byte) bool {
		fmt.Fprintf(out, "%s\t%s\n", key, value)
		listed++
		return limit <= 0 || listed < limit
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

func (s *store) stat(out io.Writer) error {
	height, err := s.tree.Height()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	st := s.am.Stats()
	fmt.Fprintf(out, "path:          %s\n", st.Path)
	fmt.Fprintf(out, "session:       %s\n", st.SessionID)
	fmt.Fprintf(out, "pages:         %d\n", st.NextPageID)
	fmt.Fprintf(out, "tree height:   %d\n", height)
	fmt.Fprintf(out, "cached pages:  %d\n", st.CachedPages)
	fmt.Fprintf(out, "buffer hits:   %d\n", st.Hits)
	fmt.Fprintf(out, "buffer misses: %d\n", st.Misses)
	fmt.Fprintf(out, "pool:          %d/%d populated, %d pinned, %d dirty, %d evictions\n",
		st.Pool.Populated, st.Pool.Capacity, st.Pool.Pinned, st.Pool.Dirty, st.Pool.Evictions)
	return nil
}

func (s *store) backup(ctx context.Context, out io.Writer, dst string, rate int64) error {
	res, err := s.am.Backup(ctx, dst, rate)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d bytes sha256:%s\n", res.Bytes, hex.EncodeToString(res.SHA256))
	return nil
}

// parseCount reads a non-negative integer shell argument.
func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("expected a non-negative integer, got %q", s)
	}
	return n, nil
}
