package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/project-magpie/stmmac/dma"
)

type Config struct {
	Core   string     `yaml:"core"`
	Engine dma.Config `yaml:"engine"`

	Sim struct {
		FIFODepth int           `yaml:"fifo-depth"`
		Tick      time.Duration `yaml:"tick"`
		Loopback  bool          `yaml:"loopback"`
	} `yaml:"sim"`

	Traffic struct {
		Count   uint64 `yaml:"count"`
		PPS     uint64 `yaml:"pps"`
		MinSize int    `yaml:"min-size"`
		MaxSize int    `yaml:"max-size"`
		SrcMAC  string `yaml:"src-mac"`
		DstMAC  string `yaml:"dst-mac"`
		SrcIP   string `yaml:"src-ip"`
		DstIP   string `yaml:"dst-ip"`
		SrcPort int    `yaml:"src-port"`
		DstPort int    `yaml:"dst-port"`
	} `yaml:"traffic"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Stats struct {
		// Interval of the per-second report and of metric exports.
		Interval  time.Duration `yaml:"interval"`
		Type      string        `yaml:"type"` // "", "prometheus" or "graphite"
		Listen    string        `yaml:"listen"`
		Path      string        `yaml:"path"`
		Namespace string        `yaml:"namespace"`
		Subsystem string        `yaml:"subsystem"`
		Host      string        `yaml:"host"`
		Prefix    string        `yaml:"prefix"`
	} `yaml:"stats"`
}

func defaultConfig() *Config {
	var c Config
	c.Core = "gmac"
	c.Sim.FIFODepth = 256
	c.Sim.Loopback = true
	c.Traffic.Count = 100_000
	c.Traffic.MinSize = 64
	c.Traffic.MaxSize = 1514
	c.Traffic.SrcMAC = "02:00:00:00:00:01"
	c.Traffic.DstMAC = "02:00:00:00:00:02"
	c.Traffic.SrcIP = "10.0.0.1"
	c.Traffic.DstIP = "10.0.0.2"
	c.Traffic.SrcPort = 9000
	c.Traffic.DstPort = 9001
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	c.Stats.Interval = time.Second
	c.Stats.Path = "/metrics"
	c.Stats.Namespace = "stmmac"
	c.Stats.Prefix = "stmmac"
	return &c
}

var runFlags struct {
	core     string
	count    uint64
	pps      uint64
	size     int
	noLoop   bool
	logLevel string
	stats    string
	listen   string
}

func bindRunFlags(fs *pflag.FlagSet) {
	fs.StringVar(&runFlags.core, "core", "", "MAC core (mac100 or gmac)")
	fs.Uint64VarP(&runFlags.count, "count", "n", 0, "packet count")
	fs.Uint64VarP(&runFlags.pps, "pps", "r", 0, "packets per second (0 = unlimited)")
	fs.IntVarP(&runFlags.size, "size", "l", 0, "maximum frame size")
	fs.BoolVar(&runFlags.noLoop, "no-loopback", false, "do not feed transmitted frames back")
	fs.StringVar(&runFlags.logLevel, "log-level", "", "log level")
	fs.StringVar(&runFlags.stats, "stats", "", "metrics exporter (prometheus or graphite)")
	fs.StringVar(&runFlags.listen, "listen", "", "prometheus listen address")
}

// loadConfig reads the YAML file at path, if any, over the defaults and
// applies the flags that were set on fs.
func loadConfig(path string, fs *pflag.FlagSet) (*Config, error) {
	conf := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if fs != nil {
		if fs.Changed("core") {
			conf.Core = runFlags.core
		}
		if fs.Changed("count") {
			conf.Traffic.Count = runFlags.count
		}
		if fs.Changed("pps") {
			conf.Traffic.PPS = runFlags.pps
		}
		if fs.Changed("size") {
			conf.Traffic.MaxSize = runFlags.size
		}
		if fs.Changed("no-loopback") {
			conf.Sim.Loopback = !runFlags.noLoop
		}
		if fs.Changed("log-level") {
			conf.Logging.Level = runFlags.logLevel
		}
		if fs.Changed("stats") {
			conf.Stats.Type = runFlags.stats
		}
		if fs.Changed("listen") {
			conf.Stats.Listen = runFlags.listen
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	core, err := dma.CoreByName(c.Core)
	if err != nil {
		return err
	}
	if err := c.Engine.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	// The simulated MAC appends the FCS to every received frame.
	maxFrame := min(c.Engine.FrameSize, core.Layout().MaxBufferSize()) - dma.FCSLen
	switch {
	case c.Sim.FIFODepth <= 0:
		return errors.New("sim fifo-depth must be positive")
	case c.Traffic.MinSize < 60:
		return errors.New("traffic min-size must be >= 60")
	case c.Traffic.MaxSize < c.Traffic.MinSize:
		return errors.New("traffic max-size must be >= min-size")
	case c.Traffic.MaxSize > maxFrame:
		return fmt.Errorf("traffic max-size must be <= %d", maxFrame)
	case c.Traffic.SrcPort <= 0 || c.Traffic.SrcPort > 65535:
		return errors.New("traffic src-port out of range")
	case c.Traffic.DstPort <= 0 || c.Traffic.DstPort > 65535:
		return errors.New("traffic dst-port out of range")
	}
	for _, mac := range []string{c.Traffic.SrcMAC, c.Traffic.DstMAC} {
		if _, err := net.ParseMAC(mac); err != nil {
			return fmt.Errorf("traffic: %w", err)
		}
	}
	for _, ip := range []string{c.Traffic.SrcIP, c.Traffic.DstIP} {
		if net.ParseIP(ip).To4() == nil {
			return fmt.Errorf("traffic: %q is not an IPv4 address", ip)
		}
	}
	if c.Stats.Type != "" && c.Stats.Interval <= 0 {
		return errors.New("stats interval must be positive")
	}
	switch c.Stats.Type {
	case "":
	case "prometheus":
		if c.Stats.Listen == "" {
			return errors.New("stats listen should not be empty")
		}
		if c.Stats.Path == "" {
			return errors.New("stats path should not be empty")
		}
	case "graphite":
		if c.Stats.Host == "" {
			return errors.New("stats host should not be empty")
		}
	default:
		return fmt.Errorf("stats type %q not supported", c.Stats.Type)
	}
	return nil
}

func configLogger(l *logrus.Logger, c *Config) error {
	logLevel, err := logrus.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(logLevel)

	switch strings.ToLower(c.Logging.Format) {
	case "text":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s",
			c.Logging.Format, []string{"text", "json"})
	}
	return nil
}
