package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tg123/mqbroker/broker"
	"github.com/tg123/mqbroker/config"
	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/metrics"
	"golang.org/x/sync/errgroup"
)

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Run the broker",
	Run:   runBroker,
	Args:  cobra.NoArgs,
}

var flagRun struct {
	PollInterval    time.Duration
	DeliveryTimeout time.Duration
}

func init() {
	cmdMain.AddCommand(cmdRun)

	cmdRun.Flags().DurationVar(&flagRun.PollInterval, "poll-interval", 5*time.Second, "How often stored messages are retried")
	cmdRun.Flags().DurationVar(&flagRun.DeliveryTimeout, "delivery-timeout", 30*time.Second, "How long a delivery waits for its acknowledgement")
}

var logger = logging.Package("main")

func runBroker(*cobra.Command, []string) {
	s, err := config.Load(configPath())
	checkf(err, "load configuration")
	checkf(logging.Configure(s.Logging, os.Stderr), "configure logging")

	m := metrics.New(true)
	b, err := broker.New(s,
		broker.WithMetrics(m),
		broker.WithPollInterval(flagRun.PollInterval),
		broker.WithDeliveryTimeout(flagRun.DeliveryTimeout),
	)
	checkf(err, "create broker")
	checkf(b.Start(), "start broker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if addr := s.Metrics.ListenAddress; addr != "" {
		srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info().Str(logging.EVENT, "METRICS_LISTENING").Str("address", addr).Msg("")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Str(logging.EVENT, "SHUTDOWN").Msg("")
		return b.Stop()
	})

	check(g.Wait())
}
