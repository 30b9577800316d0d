package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/mq00fc/GeoSmartDNS/middleware"
	"github.com/mq00fc/GeoSmartDNS/middleware/forwarder"
	"github.com/mq00fc/GeoSmartDNS/server"
	"github.com/semihalev/log"
)

const version = "1.0.0"

var (
	flagcfgpath  = flag.String("config", "appsettings.json", "location of the config file, resolved next to the executable when not found")
	flagprintver = flag.Bool("v", false, "show version information")

	cfg *config.Config
)

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Example:")
		fmt.Fprintf(os.Stderr, "%s -config=appsettings.json\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "")
	}
}

// configPath returns the config flag as given, falling back to the
// executable's directory when the file does not exist beside the working
// directory.
func configPath() string {
	path := *flagcfgpath

	if _, err := os.Stat(path); err == nil || filepath.IsAbs(path) {
		return path
	}

	exe, err := os.Executable()
	if err != nil {
		return path
	}

	beside := filepath.Join(filepath.Dir(exe), path)
	if _, err := os.Stat(beside); err == nil {
		return beside
	}

	return path
}

func setup() {
	var err error

	path := configPath()

	if cfg, err = config.Load(path, version); err != nil {
		log.Crit("Config loading failed", "error", err.Error())
	}

	if cfg.SmartDNS.LogLevel == "" {
		cfg.SmartDNS.LogLevel = "info"
	}

	lvl, err := log.LvlFromString(cfg.SmartDNS.LogLevel)
	if err != nil {
		log.Crit("Log verbosity level unknown")
	}

	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StdoutHandler))

	// the geosite table lives next to the config file unless an absolute
	// path is configured
	if !filepath.IsAbs(cfg.SmartDNS.GeositeFile) {
		cfg.SmartDNS.GeositeFile = filepath.Join(filepath.Dir(path), cfg.SmartDNS.GeositeFile)
	}

	register()

	if err := middleware.Setup(cfg); err != nil {
		log.Crit("Middleware setup failed", "error", err.Error())
	}
}

func run() *server.Server {
	srv := server.New(cfg)
	srv.Run()

	return srv
}

func main() {
	flag.Parse()

	if *flagprintver {
		println("GeoSmartDNS v" + version)
		os.Exit(0)
	}

	log.Info("Starting GeoSmartDNS...", "version", version)

	setup()
	srv := run()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	<-c

	log.Info("Stopping GeoSmartDNS...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Stop(ctx)

	if f, ok := middleware.Get("forwarder").(*forwarder.Forwarder); ok {
		f.Stop()
	}
}
