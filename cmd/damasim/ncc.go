package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/opensand-dama/internal/config"
	"github.com/signalsfoundry/opensand-dama/internal/dama/controller"
	"github.com/signalsfoundry/opensand-dama/internal/gateway"
	"github.com/signalsfoundry/opensand-dama/internal/logging"
	"github.com/signalsfoundry/opensand-dama/internal/observability"
	"github.com/signalsfoundry/opensand-dama/timectrl"
)

func newNCCCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "ncc",
		Short: "Serve the DAMA controller on the gRPC control channel",
		Long: `'ncc' runs the controller on the wall clock. Every superframe it broadcasts
the SOF, runs the allocation pass and broadcasts the time plan to the
terminals subscribed to the gateway.

Settings are read from --config, then DAMA_* variables, then flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadNCC(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			ctrlCfg, err := cfg.Controller()
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
			log := logging.NewFromEnv().With(logging.String("component", "ncc"))

			shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing.Observability("ncc"), log)
			if err != nil {
				return err
			}
			defer shutdownTracing.Shutdown(context.WithoutCancel(ctx), shutdownTimeout, log)

			reg := prometheus.NewRegistry()
			ctrlMetrics, err := observability.NewControllerCollector(reg)
			if err != nil {
				return err
			}
			gwMetrics, err := observability.NewGatewayCollector(reg)
			if err != nil {
				return err
			}
			metricsSrv := serveMetrics(cfg.MetricsAddr, reg, log)
			defer shutdownMetrics(ctx, metricsSrv)

			ctrl, err := controller.New(ctrlCfg,
				controller.WithLogger(log),
				controller.WithMetrics(ctrlMetrics),
				controller.WithCodec(codec),
			)
			if err != nil {
				return err
			}
			srv := gateway.NewServer(ctrl,
				gateway.WithServerLogger(log),
				gateway.WithServerMetrics(gwMetrics),
				gateway.WithCodec(codec),
			)
			gs := gateway.NewGRPCServer(srv, gwMetrics)

			lis, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return err
			}
			log.Info(ctx, "starting NCC gateway",
				logging.String("addr", lis.Addr().String()),
				logging.String("strategy", ctrl.Strategy()),
				logging.Uint32("capacity_pktpf", ctrlCfg.CapacityPktpf),
			)

			clock := timectrl.NewTimeController(time.Now(), ctrlCfg.FrameDuration, ctrlCfg.FramesPerSuperframe, timectrl.RealTime)
			clock.AddListener(func(tick timectrl.Tick) {
				if !tick.StartOfSuperframe {
					return
				}
				if err := srv.Superframe(ctx, tick.Superframe); err != nil {
					log.Warn(ctx, "superframe failed", logging.Superframe(tick.Superframe), logging.Error(err))
				}
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return gs.Serve(lis) })
			g.Go(func() error {
				err := clock.Run(gctx, 0)
				// subscriptions only end with their clients
				gs.Stop()
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			err = g.Wait()
			log.Info(ctx, "NCC stopped", logging.Int("terminals", len(ctrl.Terminals())))
			return err
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "NCC configuration file (YAML or TOML)")
	cmd.Flags().String("listen", ":50051", "TCP address of the gRPC gateway")
	cmd.Flags().String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	cmd.Flags().Uint32("capacity-pktpf", 0, "Return link capacity in packets per frame")
	cmd.Flags().Uint32("capacity-kbps", 0, "Return link capacity in kbit/s, used without --capacity-pktpf")
	cmd.Flags().String("strategy", controller.StrategyRoundRobin, "Allocation strategy: roundrobin, fairshare or stub")
	cmd.Flags().Duration("frame-duration", 53*time.Millisecond, "Return link frame duration")
	cmd.Flags().Uint32("fca-pktpf", 0, "Free capacity unit per round-robin visit; the default 0 disables the FCA pass")
	return cmd
}
