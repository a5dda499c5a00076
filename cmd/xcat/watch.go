package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/xcat-network/xcat/internal/config"
	"github.com/xcat-network/xcat/internal/core/application"
	"github.com/xcat-network/xcat/internal/core/domain"
	"github.com/xcat-network/xcat/pkg/stats"
)

var watch = cli.Command{
	Name:      "watch",
	Usage:     "poll the status of a trade until it is finalised, in error or expired",
	ArgsUsage: "<tradeId>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "the time between two status checks",
			Value: 15 * time.Second,
		},
		&cli.BoolFlag{
			Name:  "auto",
			Usage: "run the steps up to the local party as soon as they are due",
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "the <host:port> where prometheus metrics are served, disabled if empty",
		},
	},
	Action: watchAction,
}

func watchAction(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	interval := ctx.Duration("interval")
	if interval <= 0 {
		return fmt.Errorf("interval must be a positive duration")
	}

	s, cleanup, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	p, err := s.tradeProtocol(ctx.Context, ctx.Args().First())
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dumpFile := filepath.Join(
		s.cfg.Datadir, config.ProfilerLocation, fmt.Sprintf("metrics-%s.prom", p.Trade().ID),
	)
	stats.EnableMemoryStatistics(runCtx, s.cfg.StatsInterval, dumpFile)

	if addr := ctx.String("metrics-addr"); addr != "" {
		srv := serveMetrics(addr)
		defer srv.Close()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := domain.Status(-1)
	for {
		var st domain.Status
		var action application.Action
		if ctx.Bool("auto") {
			st, action, err = p.Next(runCtx)
		} else {
			st, err = p.Status(runCtx)
			action = p.NextAction(st)
		}

		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			if st == domain.StatusExpired && action.IsMine() {
				return fmt.Errorf("%s failed: %w", action, err)
			}
			log.WithError(err).Warn("trade status check failed")
		} else {
			if st != last {
				printf(ctx, "%s  status: %s, %s\n",
					time.Now().UTC().Format(time.RFC3339), st, action.Description())
				last = st
			}
			if st == domain.StatusFinalised || st == domain.StatusError ||
				st == domain.StatusExpired {
				if st == domain.StatusError {
					printf(ctx, "fault: %s\n", p.Fault())
				}
				return nil
			}
		}

		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	log.Infof("serving metrics on %s/metrics", addr)
	return srv
}
