package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/opensand-dama/internal/config"
	"github.com/signalsfoundry/opensand-dama/internal/logging"
	"github.com/signalsfoundry/opensand-dama/internal/observability"
	"github.com/signalsfoundry/opensand-dama/internal/sim"
	"github.com/signalsfoundry/opensand-dama/timectrl"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	var flags struct {
		frames      uint64
		parallelism int
		realtime    bool
		dump        bool
		metricsAddr string
	}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario with the NCC and every terminal in one process",
		Example: `  damasim run scenario.yaml
  damasim run --frames 2000 --dump scenario.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := config.LoadScenario(args[0])
			if err != nil {
				return err
			}
			simSc, err := sc.Sim()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			log := logging.NewFromEnv()
			reg := prometheus.NewRegistry()
			ctrlMetrics, err := observability.NewControllerCollector(reg)
			if err != nil {
				return err
			}
			agentMetrics, err := observability.NewAgentCollector(reg)
			if err != nil {
				return err
			}

			opts := []sim.Option{
				sim.WithLogger(log),
				sim.WithParallelism(flags.parallelism),
				sim.WithMetrics(ctrlMetrics, agentMetrics),
			}
			if flags.realtime {
				opts = append(opts, sim.WithMode(timectrl.RealTime))
			}
			rt, err := sim.New(simSc, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			metricsSrv := serveMetrics(flags.metricsAddr, reg, log)
			defer shutdownMetrics(ctx, metricsSrv)

			frames := flags.frames
			if frames == 0 {
				frames = sc.Frames()
			}
			rep, err := rt.Run(ctx, frames)
			printReport(cmd.OutOrStdout(), rep)
			if flags.dump {
				fmt.Fprint(cmd.OutOrStdout(), rt.Controller.Dump())
			}
			return err
		},
	}
	cmd.Flags().Uint64Var(&flags.frames, "frames", 0, "Frames to run; overrides the scenario duration")
	cmd.Flags().IntVar(&flags.parallelism, "parallelism", 0, "Terminals handled concurrently (default GOMAXPROCS)")
	cmd.Flags().BoolVar(&flags.realtime, "realtime", false, "Pace frames on the wall clock")
	cmd.Flags().BoolVar(&flags.dump, "dump", false, "Print the controller state at the end")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics")
	return cmd
}

func printReport(w io.Writer, rep sim.Report) {
	fmt.Fprintf(w, "frames %d, superframes %d\n", rep.Frames, rep.Superframes)
	c := rep.Controller
	fmt.Fprintf(w, "last allocation (pktpf): cra %d, rbdc %d, vbdc %d, fca %d\n",
		c.CRAPktpf, c.RBDCPktpf, c.VBDCPktpf, c.FCAPktpf)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TERMINAL\tOFFERED\tREFUSED\tSENT\tDROPPED\tBURSTS")
	for _, id := range slices.Sorted(maps.Keys(rep.Terminals)) {
		tr := rep.Terminals[id]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", id, tr.Offered, tr.Refused, tr.Sent, tr.Dropped, tr.Bursts)
	}
	_ = tw.Flush()
}
