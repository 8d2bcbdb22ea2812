// Package main is the htpfwd command-line entry point: a transparent TCP
// forwarder that relays RDP sessions to a fixed target, optionally over
// the Hybrid Transport Protocol between forwarder and target.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kulaginds/htp-forwarder/internal/config"
	"github.com/kulaginds/htp-forwarder/internal/forwarder"
	"github.com/kulaginds/htp-forwarder/internal/logging"
)

var (
	appName    = "HTP Forwarder"
	appVersion = "dev" // injected at build time via -ldflags
)

func main() {
	args, action := parseFlags()
	if action != "" {
		return
	}
	if err := run(args); err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}

// parsedArgs holds the parsed command line arguments.
type parsedArgs struct {
	configFile string
	targetIP   string
	metricsAddr string
}

// parseFlags parses command line flags and returns the parsed args.
// Returns a non-empty action if help/version was shown, so the caller
// returns without starting the forwarder.
func parseFlags() (parsedArgs, string) {
	return parseFlagsWithArgs(os.Args[1:])
}

func parseFlagsWithArgs(args []string) (parsedArgs, string) {
	fs := flag.NewFlagSet("htpfwd", flag.ContinueOnError)
	configFlag := fs.String("c", "", "path to forwarder configuration file")
	metricsFlag := fs.String("metrics-addr", "", "address to serve /metrics and /debug/events on (disabled when empty)")
	helpFlag := fs.Bool("help", false, "show help")
	versionFlag := fs.Bool("version", false, "show version")

	_ = fs.Parse(args)

	if *helpFlag {
		showHelp()
		return parsedArgs{}, "help"
	}
	if *versionFlag {
		showVersion()
		return parsedArgs{}, "version"
	}

	// A bare positional argument is accepted as a legacy target-IP
	// override, for drop-in compatibility with the older single-arg form.
	var legacyIP string
	if rest := fs.Args(); len(rest) > 0 {
		legacyIP = strings.TrimSpace(rest[0])
	}

	return parsedArgs{
		configFile:  strings.TrimSpace(*configFlag),
		targetIP:    legacyIP,
		metricsAddr: strings.TrimSpace(*metricsFlag),
	}, ""
}

// run loads configuration, wires up the forwarder and runs its event loop
// until a termination signal arrives.
func run(args parsedArgs) error {
	cfg, err := config.LoadWithOverrides(config.LoadOptions{
		ConfigFile:     args.configFile,
		TargetIPLegacy: args.targetIP,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setupLogging(cfg)

	fwd := forwarder.New(cfg)
	if err := fwd.Listen(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if args.metricsAddr != "" {
		startAdminServer(args.metricsAddr, fwd)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info("shutdown signal received, draining pairs")
		fwd.Stop()
	}()

	logging.Info("%s %s listening, forwarding to %s:%d", appName, appVersion, cfg.TargetIP, cfg.TargetPort)

	return fwd.Run()
}

// startAdminServer serves Prometheus metrics and the debug event stream
// on a separate listener, so the admin surface never competes with the
// forwarder's single-threaded event loop for the RDP listening socket.
func startAdminServer(addr string, fwd *forwarder.Forwarder) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(fwd.Stats())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/events", forwarder.DebugEvents(fwd))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logging.Error("admin server: %v", err)
		}
	}()

	logging.Info("admin server listening on %s (/metrics, /debug/events)", addr)
}

func setupLogging(cfg *config.Config) {
	if cfg.VerboseLogging {
		logging.SetLevel(logging.LevelDebug)
	} else {
		logging.SetLevel(logging.LevelInfo)
	}

	if cfg.LogFile != "" {
		if err := logging.SetOutputFile(cfg.LogFile); err != nil {
			logging.Warn("could not open log file: %v", err)
		}
	}
}

func showHelp() {
	fmt.Println(appName)
	fmt.Println("USAGE: htpfwd [options] [target-ip]")
	fmt.Println("OPTIONS:")
	fmt.Println("  -c              Path to the forwarder configuration file")
	fmt.Println("  -metrics-addr   Address to serve /metrics and /debug/events on")
	fmt.Println("  -version        Show version information")
	fmt.Println("  -help           Show this help message")
	fmt.Println("EXAMPLES: htpfwd -c /etc/htpfwd.conf")
	fmt.Println("          htpfwd 10.0.0.5   (legacy positional target override)")
}

func showVersion() {
	fmt.Printf("%s %s\n", appName, appVersion)
}
