package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/opensand-dama/internal/config"
	"github.com/signalsfoundry/opensand-dama/internal/dama/agent"
	"github.com/signalsfoundry/opensand-dama/internal/dama/fifo"
	"github.com/signalsfoundry/opensand-dama/internal/gateway"
	"github.com/signalsfoundry/opensand-dama/internal/logging"
	"github.com/signalsfoundry/opensand-dama/internal/observability"
	"github.com/signalsfoundry/opensand-dama/internal/sim"
)

func newTerminalCmd() *cobra.Command {
	var flags struct {
		config      string
		rateKbps    uint32
		metricsAddr string
	}

	cmd := &cobra.Command{
		Use:   "terminal",
		Short: "Run one terminal agent against an NCC gateway",
		Example: `  damasim terminal --tal-id 1 --target localhost:50051 --rate-kbps 256
  damasim terminal --config st1.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadTerminal(flags.config, cmd.Flags())
			if err != nil {
				return err
			}
			fifoCfgs, err := cfg.FifoConfigs()
			if err != nil {
				return err
			}
			codec, err := cfg.Codec()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			log := logging.NewFromEnv().With(logging.TalID(cfg.TalID))

			shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing.Observability("terminal"), log)
			if err != nil {
				return err
			}
			defer shutdownTracing.Shutdown(context.WithoutCancel(ctx), shutdownTimeout, log)

			reg := prometheus.NewRegistry()
			metrics, err := observability.NewAgentCollector(reg)
			if err != nil {
				return err
			}
			metricsSrv := serveMetrics(flags.metricsAddr, reg, log)
			defer shutdownMetrics(ctx, metricsSrv)

			fifos := make([]*fifo.Fifo, 0, len(fifoCfgs))
			for _, fc := range fifoCfgs {
				f, err := fifo.New(fc)
				if err != nil {
					return err
				}
				fifos = append(fifos, f)
			}
			a, err := agent.New(cfg.Agent(), fifos,
				agent.WithLogger(log),
				agent.WithMetrics(metrics),
				agent.WithCodec(codec),
			)
			if err != nil {
				return err
			}

			client, err := gateway.Dial(cfg.Target, cfg.TalID, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer client.Close()

			opts := []gateway.TerminalOption{
				gateway.WithTerminalLogger(log),
				gateway.WithTerminalCodec(codec),
			}
			if flags.rateKbps > 0 {
				opts = append(opts, gateway.WithTraffic(sim.TrafficSpec{Fifo: fifos[0].Name(), RateKbps: flags.rateKbps}))
			}
			term, err := gateway.NewTerminal(a, client, opts...)
			if err != nil {
				return err
			}

			log.Info(ctx, "terminal starting", logging.String("target", cfg.Target))
			err = term.Run(ctx)
			st := term.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: superframes %d, SACs %d, logons redone %d, offered %d, refused %d, sent %d in %d bursts\n",
				a.TalID(), st.Superframes, st.SACs, st.Relogons, st.Offered, st.Refused, st.Sent, st.Bursts)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.config, "config", "", "Terminal configuration file (YAML or TOML)")
	cmd.Flags().Uint32Var(&flags.rateKbps, "rate-kbps", 0, "Constant bit rate offered to the first queue")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics")
	cmd.Flags().Uint16("tal-id", 0, "Terminal id (MAC)")
	cmd.Flags().String("target", "localhost:50051", "NCC gateway address")
	cmd.Flags().Uint32("cra-kbps", 0, "Constant rate assignment requested at logon")
	cmd.Flags().Uint32("max-rbdc-kbps", 0, "Maximum RBDC requested at logon")
	cmd.Flags().Uint32("max-vbdc-pkt", 0, "Maximum VBDC backlog")
	cmd.Flags().Uint32("carrier-capacity-pktpf", 0, "Largest allocation a time plan may grant, usually the NCC carrier size; 0 accepts any")
	cmd.Flags().Duration("frame-duration", 0, "Return link frame duration (default 53ms)")
	return cmd
}
