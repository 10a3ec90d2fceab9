package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/project-magpie/stmmac/dma"
	"github.com/project-magpie/stmmac/ratelimit"
	"github.com/project-magpie/stmmac/ringstat"
	"github.com/project-magpie/stmmac/sim"
)

// devName names the simulated device in reports and metric names.
const devName = "sim0"

// drainTimeout bounds the wait for in-flight frames after the last
// transmit.
const drainTimeout = time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Push generated traffic through the engine and report statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Do not output help message if we get this far.
		cmd.SilenceUsage = true

		conf, err := loadConfig(configPath, cmd.Flags())
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		l := logrus.New()
		if err := configLogger(l, conf); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := runSim(ctx, l, conf, os.Stdout)
		if err != nil {
			return err
		}
		res.print(os.Stdout)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		conf, err := loadConfig(configPath, cmd.Flags())
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		b, err := yaml.Marshal(conf)
		if err != nil {
			return fmt.Errorf("encoding final YAML config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	},
}

func init() {
	bindRunFlags(runCmd.Flags())
	bindRunFlags(configCmd.Flags())
	rootCmd.AddCommand(runCmd, configCmd)
}

type result struct {
	core    string
	elapsed time.Duration
	traffic *trafficStats
	engine  ringstat.Stats
	device  sim.Stats
}

// linkSpeed is the nominal speed in Mbit/s of a core.
func linkSpeed(c dma.Core) int {
	if _, ok := c.(dma.MAC100); ok {
		return 100
	}
	return 1000
}

// runSim builds the pool, the simulated device and the engine, runs the
// traffic generator to completion and tears everything down again.
// Periodic reports go to w.
func runSim(ctx context.Context, l *logrus.Logger, conf *Config, w io.Writer) (_ *result, err error) {
	core, err := dma.CoreByName(conf.Core)
	if err != nil {
		return nil, err
	}
	pool, err := dma.NewPool(conf.Engine.NumFrames, conf.Engine.FrameSize, l)
	if err != nil {
		return nil, fmt.Errorf("creating buffer pool: %w", err)
	}
	defer func() { err = errors.Join(err, pool.Close()) }()

	stats := new(trafficStats)
	up := &sink{l: l, stats: stats}
	dev := sim.New(core, pool, l)
	dev.SetFIFODepth(conf.Sim.FIFODepth)

	e, err := dma.New(conf.Engine, core, dev, pool, up, l)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	dev.SetIRQHandler(e.HandleInterrupt)
	if conf.Sim.Loopback {
		dev.SetWire(func(f []byte) {
			if err := dev.Inject(f, 0); err != nil {
				l.WithError(err).Debug("Loopback frame lost")
			}
		})
	}

	gen, err := newGenerator(conf)
	if err != nil {
		return nil, err
	}
	reg := metrics.NewRegistry()
	if err := ringstat.Register(reg, devName, e); err != nil {
		return nil, err
	}

	if err := e.Open(); err != nil {
		return nil, fmt.Errorf("opening engine: %w", err)
	}
	defer func() { err = errors.Join(err, e.Close()) }()
	e.SetLink(true, linkSpeed(core), dma.FullDuplex)

	l.WithFields(logrus.Fields{
		"core":     core.Name(),
		"rxRing":   conf.Engine.RxRingSize,
		"txRing":   conf.Engine.TxRingSize,
		"count":    conf.Traffic.Count,
		"pps":      conf.Traffic.PPS,
		"loopback": conf.Sim.Loopback,
	}).Info("Starting simulation")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if err := startStats(gctx, g, l, conf, reg); err != nil {
		cancel()
		return nil, errors.Join(err, ignoreCanceled(g.Wait()))
	}
	g.Go(func() error { return dev.Run(gctx, conf.Sim.Tick) })
	g.Go(func() error { return e.Run(gctx) })
	if conf.Stats.Interval > 0 {
		g.Go(func() error {
			report(gctx, w, conf.Stats.Interval, e)
			return nil
		})
	}
	g.Go(func() error {
		t := ratelimit.New(conf.Traffic.PPS)
		if err := generate(gctx, e, gen, t, conf.Traffic.Count, stats); err != nil {
			return err
		}
		drain(gctx, e, dev, stats, conf.Sim.Loopback)
		cancel()
		return nil
	})

	if err := ignoreCanceled(g.Wait()); err != nil {
		return nil, err
	}
	return &result{
		core:    core.Name(),
		elapsed: time.Duration(stats.Elapsed.Load()),
		traffic: stats,
		engine:  ringstat.Snapshot(map[string]ringstat.Source{devName: e}),
		device:  dev.Stats(),
	}, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain waits until the transmit ring is reclaimed and, in loopback mode,
// every transmitted frame was received or lost, or drainTimeout passes.
func drain(ctx context.Context, e *dma.Engine, dev *sim.Device, stats *trafficStats, loopback bool) {
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()

	for {
		done := e.TxRing().Pending() == 0
		if loopback {
			seen := stats.RxPackets.Load() + e.Stats().RxDropped + dev.Stats().RxOverflow
			done = done && seen >= stats.TxPackets.Load()
		}
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-t.C:
		}
	}
}

var rateCounters = []ringstat.Counter{
	ringstat.TxPackets, ringstat.TxBytes, ringstat.RxPackets, ringstat.RxBytes,
}

// report prints one line of engine throughput per interval until ctx is
// done.
func report(ctx context.Context, w io.Writer, interval time.Duration, e *dma.Engine) {
	devs := map[string]ringstat.Source{devName: e}
	t := time.NewTicker(interval)
	defer t.Stop()

	last := ringstat.Snapshot(devs, rateCounters...)
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			cur := ringstat.Snapshot(devs, rateCounters...)
			d := cur.Since(last)[devName]
			dt := now.Sub(lastTime).Seconds()
			last, lastTime = cur, now

			fmt.Fprintf(w,
				"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-rate=%s/s RX-rate=%s/s\n",
				cur[devName][ringstat.TxPackets], cur[devName][ringstat.RxPackets],
				uint64(float64(d[ringstat.TxPackets])/dt),
				uint64(float64(d[ringstat.RxPackets])/dt),
				humanize.Bytes(uint64(float64(d[ringstat.TxBytes])/dt)),
				humanize.Bytes(uint64(float64(d[ringstat.RxBytes])/dt)),
			)
		}
	}
}

func (r *result) print(w io.Writer) {
	tx := r.traffic.TxPackets.Load()
	rx := r.traffic.RxPackets.Load()
	txBytes := r.traffic.TxBytes.Load()
	rxBytes := r.traffic.RxBytes.Load()

	elapsed := r.elapsed.Seconds()
	if elapsed <= 0 {
		elapsed = 1e-9
	}
	var lost uint64
	if rx < tx {
		lost = tx - rx
	}

	p := message.NewPrinter(language.English)

	p.Fprint(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Core:              %s\n", r.core)
	p.Fprintf(w, " Elapsed:           %.3f s\n", elapsed)
	p.Fprintf(w, " TX:                %d packets\n", tx)
	p.Fprintf(w, " RX:                %d packets\n", rx)
	p.Fprintf(w, " TX Avg PPS:        %d\n", uint64(float64(tx)/elapsed))
	p.Fprintf(w, " RX Avg PPS:        %d\n", uint64(float64(rx)/elapsed))
	p.Fprintf(w, " TX Avg rate:       %.1f Mbps\n", float64(txBytes*8)/1e6/elapsed)
	p.Fprintf(w, " RX Avg rate:       %.1f Mbps\n", float64(rxBytes*8)/1e6/elapsed)
	p.Fprintf(w, " Busy retries:      %d\n", r.traffic.TxBusy.Load())
	p.Fprintf(w, " Ring full drops:   %d\n", r.traffic.TxDropped.Load())
	p.Fprintf(w, " Malformed:         %d\n", r.traffic.RxMalformed.Load())
	p.Fprintf(w, " Sequence gaps:     %d\n", r.traffic.RxSeqGaps.Load())
	if tx > 0 {
		p.Fprintf(w, " Lost:              %d (%.4f%%)\n", lost, float64(lost)/float64(tx)*100)
	}
	p.Fprintf(w, " FIFO overflows:    %d\n", r.device.RxOverflow)
	p.Fprintf(w, " No RX buffer:      %d\n", r.device.RxNoBuffer)

	p.Fprint(w, "\nENGINE COUNTERS\n")
	_ = ringstat.Print(w, r.engine, map[string]string{devName: r.core})
}
