package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/generichttp/scanhttp"
)

type root struct {
	server  string
	timeout time.Duration
	poll    time.Duration
	quiet   bool
}

func newRootCmd() *cobra.Command {
	r := &root{}
	cmd := &cobra.Command{
		Use:           "ecoscan",
		Short:         "ecoscan drives a beamline served by ecosrv",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&r.server, "server", "s", "http://localhost:8000", "root URL of ecosrv")
	cmd.PersistentFlags().DurationVar(&r.timeout, "timeout", 0, "give up after this long, 0 waits forever")
	cmd.PersistentFlags().DurationVar(&r.poll, "poll", 500*time.Millisecond, "time between progress polls")
	cmd.PersistentFlags().BoolVarP(&r.quiet, "quiet", "q", false, "no spinner")

	cmd.AddCommand(newGetCmd(r))
	cmd.AddCommand(newSetCmd(r))
	cmd.AddCommand(newScanCmd(r))
	cmd.AddCommand(newStatusCmd(r))
	cmd.AddCommand(newStopCmd(r))
	cmd.AddCommand(newListCmd(r))
	return cmd
}

func (r *root) context(parent context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(parent, r.timeout)
	}
	return context.WithCancel(parent)
}

func newGetCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "get <adjustable>...",
		Short: "Print the value of adjustables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := r.context(cmd.Context())
			defer cancel()
			for _, name := range args {
				v, err := adjustable.NewHTTPClient(r.server, name).Get(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%g\n", name, v)
			}
			return nil
		},
	}
}

func newSetCmd(r *root) *cobra.Command {
	var relative bool
	cmd := &cobra.Command{
		Use:   "set <adjustable> <value>",
		Short: "Move an adjustable and wait for it to arrive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("value %q: %w", args[1], err)
			}
			ctx, cancel := r.context(cmd.Context())
			defer cancel()
			adj := adjustable.NewHTTPClient(r.server, args[0])
			if relative {
				cur, err := adj.Get(ctx)
				if err != nil {
					return err
				}
				v += cur
			}
			sp := newSpinner(cmd.ErrOrStderr(), r.quiet, fmt.Sprintf("moving %s to %g", args[0], v))
			err = adj.Set(ctx, v).Wait(ctx)
			sp.finish(err)
			if err != nil {
				return err
			}
			now, err := adj.Get(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%g\n", args[0], now)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&relative, "relative", "r", false, "value is an offset from the current position")
	return cmd
}

// parseValues reads list scan rows written as "0,1;0.5,2"
func parseValues(s string) ([][]float64, error) {
	out := [][]float64{}
	for _, row := range strings.Split(s, ";") {
		row = strings.TrimSpace(row)
		if row == "" {
			continue
		}
		vals := []float64{}
		for _, f := range strings.Split(row, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, fmt.Errorf("row %q: %w", row, err)
			}
			vals = append(vals, v)
		}
		out = append(out, vals)
	}
	return out, nil
}

func newScanCmd(r *root) *cobra.Command {
	var (
		req     scanhttp.Request
		values  string
		detach  bool
		checkOn string
		check   []float64
	)
	cmd := &cobra.Command{
		Use:   "scan <ascan|rscan|a2scan|mesh|list> <name>",
		Short: "Run a scan and follow it to the end",
		Long: `Run a scan on the server.  Start, end and intervals are given once per
adjustable, e.g.

	ecoscan scan mesh grid -a x,y --start 0,0 --end 1,1 --intervals 10,10 -c diode

list scans take their rows with --values "0,1;0.5,2".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type, req.Name = args[0], args[1]
			if values != "" {
				rows, err := parseValues(values)
				if err != nil {
					return err
				}
				req.Values = rows
			}
			if checkOn != "" {
				if len(check) != 2 {
					return fmt.Errorf("--check-range takes min,max")
				}
				req.Check = &scanhttp.CheckT{Detector: checkOn, Min: check[0], Max: check[1]}
			}
			ctx, cancel := r.context(cmd.Context())
			defer cancel()
			c := scanhttp.NewClient(r.server)
			st, err := c.Submit(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scan %s started, %d steps\n", st.ID, st.Steps)
			if detach {
				return nil
			}
			st, err = follow(ctx, c, st, r.poll, newSpinner(cmd.ErrOrStderr(), r.quiet, "scan "+req.Name))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scan %s %s, %d of %d steps, data in %s\n", st.ID, st.Status, st.Step, st.Steps, st.InfoPath)
			if st.Error != "" {
				return fmt.Errorf("scan %s: %s", st.Status, st.Error)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&req.Adjustables, "adjustables", "a", nil, "adjustables to scan")
	f.Float64SliceVar(&req.Start, "start", nil, "start value per adjustable")
	f.Float64SliceVar(&req.End, "end", nil, "end value per adjustable")
	f.IntSliceVar(&req.Intervals, "intervals", nil, "interval count per axis")
	f.StringVar(&values, "values", "", "list scan rows, ';' between steps and ',' between adjustables")
	f.StringSliceVarP(&req.Counters, "counters", "c", nil, "counters acquired at every step")
	f.IntVarP(&req.NPulses, "pulses", "n", 1, "pulses per step")
	f.BoolVar(&req.ReturnAtEnd, "return", false, "return the adjustables to their start when done")
	f.StringVar(&checkOn, "check", "", "detector that must be in --check-range for a step to count")
	f.Float64SliceVar(&check, "check-range", nil, "min,max of the check detector")
	f.BoolVarP(&detach, "detach", "d", false, "do not wait for the scan")
	return cmd
}

// follow polls a scan until it finishes.  Cancelling ctx stops the scan
func follow(ctx context.Context, c *scanhttp.Client, st scanhttp.StatusT, poll time.Duration, sp *spinner) (scanhttp.StatusT, error) {
	tick := time.NewTicker(poll)
	defer tick.Stop()
	for {
		switch st.Status {
		case "done", "stopped", "failed":
			var err error
			if st.Error != "" {
				err = fmt.Errorf("%s", st.Error)
			}
			sp.finish(err)
			return st, nil
		}
		sp.message(fmt.Sprintf("step %d of %d", st.Step, st.Steps))
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.Stop(stopCtx, st.ID)
			sp.finish(ctx.Err())
			return st, ctx.Err()
		case <-tick.C:
		}
		next, err := c.Status(ctx, st.ID)
		if err != nil {
			sp.finish(err)
			return st, err
		}
		st = next
	}
}

func newStatusCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "status <scan id>",
		Short: "Print the state of a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := r.context(cmd.Context())
			defer cancel()
			st, err := scanhttp.NewClient(r.server).Status(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d/%d\t%s\n", st.ID, st.Name, st.Status, st.Step, st.Steps, st.Error)
			return nil
		},
	}
}

func newStopCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <scan id>",
		Short: "Stop a running scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := r.context(cmd.Context())
			defer cancel()
			return scanhttp.NewClient(r.server).Stop(ctx, args[0])
		},
	}
}

func newListCmd(r *root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent scans, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := r.context(cmd.Context())
			defer cancel()
			scans, err := scanhttp.NewClient(r.server).List(ctx, limit)
			if err != nil {
				return err
			}
			for _, s := range scans {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Status, s.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of scans to list")
	return cmd
}
