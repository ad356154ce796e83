package main

import (
	"codeberg.org/miketth/monitoggle/pkg/config"
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

type controller interface {
	ListMonitors(ctx context.Context) ([]monitoggle.MonitorInfo, error)
	ToggleMonitor(ctx context.Context, key string) (monitoggle.Result, error)
	EnableAllMonitors(ctx context.Context) (monitoggle.Result, error)
	DisableAllExceptPrimary(ctx context.Context) (monitoggle.Result, error)
}

// localController drives the display service from this process.
type localController struct {
	*monitoggle.Reconciler
}

func (c localController) ListMonitors(ctx context.Context) ([]monitoggle.MonitorInfo, error) {
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c.Reconciler.ListMonitors(), nil
}

var errNoPersistentJournal = errors.New("history needs journal.driver: sqlite")

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func checkFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}

func newListCommand(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connected monitors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}

			ctrl, err := a.controller(cmd.Context())
			if err != nil {
				return err
			}
			monitors, err := ctrl.ListMonitors(cmd.Context())
			if err != nil {
				return fmt.Errorf("list monitors: %w", err)
			}

			return printMonitors(cmd.OutOrStdout(), format, monitors)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "output format: table, json or yaml")

	return cmd
}

func newToggleCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle KEY",
		Short: "Enable a monitor if it is off, disable it if it is on",
		Long: "Toggle one monitor. KEY is the monitor's serial number, or its " +
			"connector name when it reports no serial (see `monitoggle list`).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOperation(cmd, func(ctrl controller, ctx context.Context) (monitoggle.Result, error) {
				return ctrl.ToggleMonitor(ctx, args[0])
			})
		},
	}
}

func newEnableAllCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enable-all",
		Short: "Enable every connected monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runOperation(cmd, controller.EnableAllMonitors)
		},
	}
}

func newDisableOthersCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "disable-others",
		Short: "Disable every monitor except the primary one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runOperation(cmd, controller.DisableAllExceptPrimary)
		},
	}
}

func (a *app) runOperation(cmd *cobra.Command, op func(controller, context.Context) (monitoggle.Result, error)) error {
	ctrl, err := a.controller(cmd.Context())
	if err != nil {
		return err
	}

	res, err := op(ctrl, cmd.Context())
	if err != nil {
		return err
	}

	printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
	return nil
}

func newHistoryCommand(a *app) *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent display changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			if a.cfg.Journal.Driver != config.JournalSQLite {
				// a memory journal only lives as long as the daemon
				return errNoPersistentJournal
			}

			journal, err := a.openJournal()
			if err != nil {
				return err
			}
			entries, err := journal.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}

			return printHistory(cmd.OutOrStdout(), format, entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show, 0 for all")
	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "output format: table, json or yaml")

	return cmd
}

func printResult(stdout, stderr io.Writer, res monitoggle.Result) {
	keys := make([]string, 0, len(res.Skipped))
	for key := range res.Skipped {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		_, _ = fmt.Fprintf(stderr, "skipped %s: %v\n", key, res.Skipped[key])
	}

	if res.NoOp {
		_, _ = fmt.Fprintln(stdout, "nothing to do")
		return
	}
	_, _ = fmt.Fprintf(stdout, "%s: applied (serial %d)\n", res.Operation, res.Serial)
}

func printStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	}
	return false, nil
}

func printMonitors(w io.Writer, format string, monitors []monitoggle.MonitorInfo) error {
	if monitors == nil {
		monitors = []monitoggle.MonitorInfo{}
	}
	if done, err := printStructured(w, format, monitors); done {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tCONNECTOR\tSTATE\tMODE\tNAME")
	for _, m := range monitors {
		state := "off"
		switch {
		case m.Primary:
			state = "primary"
		case m.Active:
			state = "on"
		}

		mode := "-"
		if m.Width > 0 {
			mode = fmt.Sprintf("%dx%d@%.2f", m.Width, m.Height, m.RefreshRate)
		}

		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Key, m.Connector, state, mode, m.Label)
	}
	return tw.Flush()
}

type historyEntry struct {
	Time      time.Time `json:"time" yaml:"time"`
	Operation string    `json:"operation" yaml:"operation"`
	Targets   []string  `json:"targets" yaml:"targets"`
	Serial    uint32    `json:"serial" yaml:"serial"`
	Attempts  int       `json:"attempts" yaml:"attempts"`
	Outcome   string    `json:"outcome" yaml:"outcome"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}

func printHistory(w io.Writer, format string, entries []monitoggle.JournalEntry) error {
	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntry(e))
	}
	if done, err := printStructured(w, format, out); done {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tOPERATION\tTARGETS\tOUTCOME\tATTEMPTS\tSERIAL\tERROR")
	for _, e := range entries {
		targets := strings.Join(e.Targets, ",")
		if targets == "" {
			targets = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			e.Time.Local().Format(time.DateTime), e.Operation, targets, e.Outcome, e.Attempts, e.Serial, e.Error)
	}
	return tw.Flush()
}
