package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nlaroche/glazebot/pkg/commentary"
)

func newRootCmd(deps appDeps, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "glazebot",
		Short:         "Live AI co-casters for your screen",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newRunCmd(deps, stderr),
		newSimulateCmd(deps),
		newMemoriesCmd(deps),
	)
	return root
}

func newSimulateCmd(deps appDeps) *cobra.Command {
	var (
		picks      int
		turns      int
		rosterPath string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Sample the block scheduler and print the resulting mix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if picks <= 0 {
				return errors.New("--picks must be > 0")
			}
			if rosterPath == "" {
				cfg, err := deps.loadConfig()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				rosterPath = cfg.RosterPath
			}
			roster, err := deps.loadRoster(rosterPath)
			if err != nil {
				return err
			}
			personas := roster.Roster()
			if len(personas) == 0 {
				return fmt.Errorf("roster %s has no personas", rosterPath)
			}

			history := commentary.NewHistory()
			for i := 0; i < turns; i++ {
				p := personas[i%len(personas)]
				history.Append(p.ID, "(frame)", "(line)")
			}

			sched := commentary.NewScheduler(roster.Weights(), roster.Prompts(), nil)
			counts := sched.Simulate(picks, personas, history.All())
			expected := sched.Distribution()

			types := append([]commentary.BlockType(nil), commentary.BlockTypes...)
			sort.SliceStable(types, func(i, j int) bool { return counts[types[i]] > counts[types[j]] })

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BLOCK\tPICKS\tSHARE\tWEIGHT SHARE")
			for _, t := range types {
				fmt.Fprintf(tw, "%s\t%d\t%.1f%%\t%.1f%%\n", t, counts[t],
					100*float64(counts[t])/float64(picks), 100*expected[t])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&picks, "picks", "n", 1000, "Number of blocks to sample")
	cmd.Flags().IntVar(&turns, "turns", 0, "Recorded exchanges to assume (callbacks need a few)")
	cmd.Flags().StringVarP(&rosterPath, "roster", "r", "", "Roster file (default: $GLAZEBOT_ROSTER)")
	return cmd
}

func newMemoriesCmd(deps appDeps) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "memories",
		Short: "Inspect persona memories",
	}
	cmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $GLAZEBOT_MEMORY_DB)")

	resolve := func() (string, error) {
		if dbPath != "" {
			return dbPath, nil
		}
		cfg, err := deps.loadConfig()
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		if cfg.MemoryDB == "" {
			return "", errors.New("memory store is disabled (GLAZEBOT_MEMORY_DB=off)")
		}
		return cfg.MemoryDB, nil
	}

	var (
		persona string
		limit   int
		format  string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List memories, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			store, err := deps.openStore(path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			ms, err := store.List(cmd.Context(), persona, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch strings.ToLower(format) {
			case "json":
				if ms == nil {
					ms = []commentary.Memory{}
				}
				b, _ := json.MarshalIndent(ms, "", "  ")
				fmt.Fprintln(out, string(b))
			case "text":
				for _, m := range ms {
					fmt.Fprintf(out, "%s  %s  %s  [%d] %s\n", m.ID, m.PersonaID, m.Kind, m.Importance, commentary.FormatMemories([]commentary.Memory{m})[0])
				}
			default:
				return fmt.Errorf("unknown format %q (json|text)", format)
			}
			return nil
		},
	}
	list.Flags().StringVarP(&persona, "persona", "p", "", "Filter by persona id")
	list.Flags().IntVarP(&limit, "limit", "l", 20, "Max results")
	list.Flags().StringVarP(&format, "format", "f", "json", "Output format: json or text")

	forget := &cobra.Command{
		Use:   "forget <id>",
		Short: "Delete a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			store, err := deps.openStore(path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()
			if err := store.Forget(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, forget)
	return cmd
}
