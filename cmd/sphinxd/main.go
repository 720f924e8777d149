package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zyh329/sphinxd"
	"github.com/zyh329/sphinxd/cmd/sphinxd/config"
	"github.com/zyh329/sphinxd/internal/tag"
	"github.com/zyh329/sphinxd/log"
	"github.com/zyh329/sphinxd/recycle"
)

const usage = `
Config values merge rules:
1) config file value overrides default
2) command line value overrides any
Options:
`

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s", usage)
		flag.PrintDefaults()
	}
}

func main() {
	conf := mergedConfig()
	l := log.NewLogger(conf.LogLevel, conf.LogDestination)
	s := &sphinxd.Server{
		Config: conf.Server,
		Log:    l,
		Pool:   recycle.NewPool(),
	}
	l.Debugf("Config: %#v", conf.Server)
	if tag.Debug {
		l.Warn("Using debug build. It has more runtime checks and large performance overhead.")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		got := <-sig
		l.Infof("Got %v, shutting down.", got)
		s.Shutdown()
	}()

	if err := s.ListenAndServe(); err != nil {
		l.Fatal("Serve error: ", err)
	}
	l.Info("Clean shutdown.")
}

// mergedConfig parses command flags, reads the config file if any,
// and returns the merged result.
// Config values merge rules:
// 1) config file value overrides default
// 2) command line value overrides any
func mergedConfig() config.Parsed {
	l := log.NewLogger(log.DebugLevel, os.Stderr)
	configPath, flagConf := parseFlags()
	conf := config.Default()
	if configPath != "" {
		fileConf := &config.Config{}
		if err := config.Load(configPath, fileConf); err != nil {
			l.Fatal(err)
		}
		config.Merge(conf, fileConf)
	}
	config.Merge(conf, flagConf)
	parsed, err := config.Parse(*conf)
	if err != nil {
		l.Fatal(err)
	}
	return parsed
}

func parseFlags() (configPath string, f *config.Config) {
	f = &config.Config{}
	flag.StringVar(&configPath, "config", "", "path to yaml config")

	def := config.Default()
	usage := func(usage string, defVal interface{}) string {
		if _, ok := defVal.(string); ok {
			return usage + fmt.Sprintf(" (default %q)", defVal)
		}
		return usage + fmt.Sprintf(" (default %v)", defVal)
	}
	flag.StringVar(&f.ListenTCP, "listen-tcp", "", usage("TCP listen address iface:port", def.ListenTCP))
	flag.StringVar(&f.ListenUDP, "listen-udp", "", usage("UDP listen address iface:port; empty disables UDP", def.ListenUDP))
	flag.IntVar(&f.Threads, "threads", 0, usage("worker thread count", "hardware threads"))
	flag.StringVar(&f.Memory, "memory", "", usage("total cache memory: 2g, 64m", def.Memory))
	flag.StringVar(&f.SegmentSize, "segment-size", "", usage("log segment size: 1m, 512k", def.SegmentSize))
	flag.StringVar(&f.MaxItemSize, "max-item-size", "", usage("max item size: 1m, 256k", def.MaxItemSize))
	flag.StringVar(&f.Backend, "backend", "", usage("readiness notification backend", def.Backend))
	flag.StringVar(&f.LogDestination, "log-destination", "", usage("log destination: stderr, stdout or file path", def.LogDestination))
	flag.StringVar(&f.LogLevel, "log-level", "", usage("log level: debug, info, warn, error, fatal", def.LogLevel))
	flag.Parse()
	return
}
