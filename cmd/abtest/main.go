package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/abtest/internal/bucket"
	"github.com/yourorg/abtest/internal/catalog"
	"github.com/yourorg/abtest/internal/config"
	"github.com/yourorg/abtest/internal/identity"
	"github.com/yourorg/abtest/internal/server"
	"github.com/yourorg/abtest/internal/store"
)

const defaultConfigTemplate = `catalog:
  path: %q

identity:
  # file keeps the identity in identity.path, sqlite keeps it in the store under profile.
  store: "file"
  format: "legacy"
  profile: "default"

server:
  host: "127.0.0.1"
  port: 3000
  cors_origin: "*"

sink:
  # when set, tracked records are also POSTed to this abtest server.
  endpoint: ""
  timeout: 5s

sanitize:
  fields:
    - password
    - secret
    - token
    - api_key
    - access_token
    - refresh_token
    - credential
    - csrfmiddlewaretoken
  query_params:
    - token
    - access_token
    - api_key
    - session
  replacement: "***REDACTED***"

log:
  level: "info"
  format: "console"
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	cfgPath string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "abtest",
		Short:         "Deterministic A/B test bucketing and tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgPath, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable debug logging")

	root.AddCommand(newInitCmd(opts))
	root.AddCommand(newExperimentsCmd(opts))
	root.AddCommand(newBucketCmd(opts))
	root.AddCommand(newAssignCmd(opts))
	root.AddCommand(newIdentityCmd(opts))
	root.AddCommand(newTrackCmd(opts))
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newResultsCmd(opts))
	root.AddCommand(newPurgeCmd(opts))

	return root
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and catalog (~/.abtest unless --config is set) and create the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := opts.cfgPath
			if cfgFile == "" {
				baseDir, err := config.BaseDir()
				if err != nil {
					return err
				}
				cfgFile = filepath.Join(baseDir, "config.yaml")
			}
			dir := filepath.Dir(cfgFile)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

			catalogFile := filepath.Join(dir, "experiments.yaml")
			if err := writeIfAbsent(cmd.OutOrStdout(), catalogFile, catalog.DefaultYAML); err != nil {
				return err
			}
			if err := writeIfAbsent(cmd.OutOrStdout(), cfgFile, []byte(fmt.Sprintf(defaultConfigTemplate, catalogFile))); err != nil {
				return err
			}

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
				return err
			}
			s, err := store.NewSQLiteStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database ready", cfg.Store.Path)
			return nil
		},
	}
}

func writeIfAbsent(out io.Writer, path string, content []byte) error {
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return err
		}
		fmt.Fprintln(out, "created", path)
		return nil
	case err == nil:
		fmt.Fprintln(out, "exists", path)
		return nil
	default:
		return err
	}
}

func newExperimentsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "experiments",
		Short: "List configured experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.load()
			if err != nil {
				return err
			}
			defer env.close()

			exps := env.catalog.Experiments()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), exps)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVARIANTS\tTRAFFIC\tSTART\tEND")
			for _, e := range exps {
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\n", e.ID, strings.Join(e.Variants, ","), e.Traffic,
					e.Window.Start.UTC().Format(time.RFC3339), e.Window.End.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newBucketCmd(opts *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "bucket IDENTITY [EXPERIMENT...]",
		Short: "Show hash, bucket value and decision for an identity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.load()
			if err != nil {
				return err
			}
			defer env.close()
			now, err := parseAt(at)
			if err != nil {
				return err
			}

			id := args[0]
			expIDs := args[1:]
			if len(expIDs) == 0 {
				for _, e := range env.catalog.Experiments() {
					expIDs = append(expIDs, e.ID)
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EXPERIMENT\tHASH\tBUCKET\tELIGIBLE\tVARIANT")
			for _, expID := range expIDs {
				h := bucket.Hash(id + expID)
				v := bucket.BucketValue(id, expID)
				exp, ok := env.catalog.Get(expID)
				if !ok {
					fmt.Fprintf(tw, "%s\t%d\t%.17g\t-\t-\n", expID, h, v)
					continue
				}
				variant, err := bucket.AssignVariant(id, exp)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%.17g\t%t\t%s\n", expID, h, v, bucket.IsEligible(id, exp, now), variant)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this instant (YYYY-MM-DD or RFC3339), default now")
	return cmd
}

func newAssignCmd(opts *rootOptions) *cobra.Command {
	var userID, at string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Show active experiments for the local identity or --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.load()
			if err != nil {
				return err
			}
			defer env.close()
			now, err := parseAt(at)
			if err != nil {
				return err
			}

			if userID == "" {
				tr, err := env.tracker()
				if err != nil {
					return err
				}
				if userID, err = tr.Identity(cmd.Context()); err != nil {
					return err
				}
			}
			active, err := bucket.ActiveAssignments(userID, env.catalog.Experiments(), now)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{"userId": userID, "assignments": active})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "identity", userID)
			if len(active) == 0 {
				fmt.Fprintln(out, "no active experiments")
				return nil
			}
			for _, expID := range sortedKeys(active) {
				fmt.Fprintf(out, "  %s: %s\n", expID, active[expID])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "identity to evaluate instead of the local one")
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this instant (YYYY-MM-DD or RFC3339), default now")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newIdentityCmd(opts *rootOptions) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the local identity, creating it on first use",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.load()
			if err != nil {
				return err
			}
			defer env.close()

			ids, err := env.identityStore()
			if err != nil {
				return err
			}
			gen, err := identity.ForFormat(env.cfg.Identity.Format)
			if err != nil {
				return err
			}
			if reset {
				id := gen()
				if err := ids.Set(cmd.Context(), id); err != nil {
					return fmt.Errorf("persist identity: %w", err)
				}
				env.lggr.Infow("identity reset", "identity", id)
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			id, err := identity.Resolve(cmd.Context(), ids, gen)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "replace the identity with a newly generated one")
	return cmd
}

func newTrackCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Record participations and events for the local identity",
	}
	cmd.AddCommand(newTrackStartCmd(opts))
	cmd.AddCommand(newTrackEventCmd(opts))
	return cmd
}

func newTrackStartCmd(opts *rootOptions) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Resolve active experiments and record a participation for each",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.load()
			if err != nil {
				return err
			}
			defer env.close()
			tr, err := env.tracker()
			if err != nil {
				return err
			}
			assignments, err := tr.Start(cmd.Context(), url)
			if err != nil {
				return err
			}
			for _, a := range assignments {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", a.ExperimentID, a.Variant)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page URL to attach")
	return cmd
}

func newTrackEventCmd(opts *rootOptions) *cobra.Command {
	var url, data string
	cmd := &cobra.Command{
		Use:   "event TYPE",
		Short: "Record an event tagged with the active experiments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var eventData map[string]any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &eventData); err != nil {
					return fmt.Errorf("parse --data: %w", err)
				}
			}
			env, err := opts.load()
			if err != nil {
				return err
			}
			defer env.close()
			tr, err := env.tracker()
			if err != nil {
				return err
			}
			return tr.RecordEvent(cmd.Context(), args[0], eventData, url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page URL to attach")
	cmd.Flags().StringVar(&data, "data", "", "event data as a JSON object")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingest API and results dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.load()
			if err != nil {
				return err
			}
			defer env.close()
			if cmd.Flags().Changed("host") {
				env.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				env.cfg.Server.Port = port
			}
			if err := env.cfg.ValidateServe(); err != nil {
				return err
			}
			st, err := env.openStore()
			if err != nil {
				return err
			}
			srv, err := server.New(env.cfg, st, env.catalog, env.lggr)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(env.cfg.Addr())
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 3000, "server port")
	return cmd
}

func newResultsCmd(opts *rootOptions) *cobra.Command {
	var mine bool
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Print the aggregated results report",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.load()
			if err != nil {
				return err
			}
			defer env.close()
			if mine {
				tr, err := env.tracker()
				if err != nil {
					return err
				}
				res, err := tr.Results(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			st, err := env.openStore()
			if err != nil {
				return err
			}
			report, err := st.Report(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "show only the local identity's history")
	return cmd
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	var before string
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete participations and events recorded before a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cutoff time.Time
			switch {
			case before != "" && olderThan > 0:
				return errors.New("use either --before or --older-than")
			case before != "":
				t, err := catalog.ParseInstant(before)
				if err != nil {
					return err
				}
				cutoff = t
			case olderThan > 0:
				cutoff = time.Now().Add(-olderThan)
			default:
				return errors.New("one of --before or --older-than is required")
			}

			env, err := opts.load()
			if err != nil {
				return err
			}
			defer env.close()
			st, err := env.openStore()
			if err != nil {
				return err
			}
			n, err := st.Purge(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			env.lggr.Infow("purged records", "before", cutoff.UTC(), "deleted", n)
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "cutoff instant (YYYY-MM-DD or RFC3339)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "cutoff relative to now, e.g. 720h")
	return cmd
}

func parseAt(at string) (time.Time, error) {
	if at == "" {
		return time.Now(), nil
	}
	t, err := catalog.ParseInstant(at)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --at: %w", err)
	}
	return t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
