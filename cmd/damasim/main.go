// Command damasim runs the DAMA controller and terminal agents, either all in
// one process over a simulated clock or as separate NCC and terminal
// processes linked by the gRPC control channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/opensand-dama/internal/logging"
)

func main() {
	if err := newRootCmd(filepath.Base(os.Args[0])).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(executable string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   executable,
		Short: "DVB-RCS DAMA controller, terminal agent and simulator",
		Args:  cobra.NoArgs,
		// main prints the error; commands silence usage once their
		// arguments are known to be well formed.
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newRunCmd(),
		newNCCCmd(),
		newTerminalCmd(),
		newDecodeCmd(),
	)
	return cmd
}

// serveMetrics exposes reg on addr under /metrics. An empty addr disables
// it.
func serveMetrics(addr string, reg *prometheus.Registry, log logging.Logger) *http.Server {
	if addr == "" || reg == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Error(err))
		}
	}()
	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func shutdownMetrics(ctx context.Context, srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
