package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// startStats exports reg with the configured backend until ctx is done.
func startStats(
	ctx context.Context, g *errgroup.Group, l *logrus.Logger, c *Config, reg metrics.Registry,
) error {
	switch c.Stats.Type {
	case "":
		return nil
	case "prometheus":
		return startPrometheusStats(ctx, g, l, c, reg)
	case "graphite":
		return startGraphiteStats(ctx, g, l, c, reg)
	}
	return fmt.Errorf("stats type %q not supported", c.Stats.Type)
}

func startGraphiteStats(
	ctx context.Context, g *errgroup.Group, l *logrus.Logger, c *Config, reg metrics.Registry,
) error {
	addr, err := net.ResolveTCPAddr("tcp", c.Stats.Host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %w", err)
	}
	conf := graphite.Config{
		Addr:          addr,
		Registry:      reg,
		FlushInterval: c.Stats.Interval,
		DurationUnit:  time.Nanosecond,
		Prefix:        c.Stats.Prefix,
	}

	l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s",
		c.Stats.Interval, c.Stats.Prefix, addr)
	g.Go(func() error {
		t := time.NewTicker(c.Stats.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := graphite.Once(conf); err != nil {
					l.WithError(err).Warn("Graphite flush failed")
				}
			}
		}
	})
	return nil
}

func startPrometheusStats(
	ctx context.Context, g *errgroup.Group, l *logrus.Logger, c *Config, reg metrics.Registry,
) error {
	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(
		reg, c.Stats.Namespace, c.Stats.Subsystem, pr, c.Stats.Interval,
	)

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.Stats.Namespace,
		Subsystem: c.Stats.Subsystem,
		Name:      "info",
		Help:      "Core and toolchain of the simulated device",
		ConstLabels: prometheus.Labels{
			"core":      c.Core,
			"goversion": runtime.Version(),
		},
	})
	if err := pr.Register(info); err != nil {
		return err
	}
	info.Set(1)

	mux := http.NewServeMux()
	mux.Handle(c.Stats.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	srv := &http.Server{
		Addr:              c.Stats.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		t := time.NewTicker(c.Stats.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := pClient.UpdatePrometheusMetricsOnce(); err != nil {
					l.WithError(err).Warn("Prometheus update failed")
				}
			}
		}
	})
	g.Go(func() error {
		l.Infof("Prometheus stats listening on %s at %s", c.Stats.Listen, c.Stats.Path)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}
