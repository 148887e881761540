package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/nathan-walker/giles/pkg/agent"
	"github.com/nathan-walker/giles/pkg/cache"
	"github.com/nathan-walker/giles/pkg/config"
	"github.com/nathan-walker/giles/pkg/models"
	"github.com/nathan-walker/giles/pkg/parse"
	"github.com/nathan-walker/giles/pkg/utils"
)

const version = "0.1.0"

// Exit codes
const (
	exitOK       = 0
	exitError    = 1
	exitDeclined = 2 // Policy refused the fetch
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitError)
	}

	switch os.Args[1] {
	case "fetch":
		runFetch(os.Args[2:])
	case "robots":
		runRobots(os.Args[2:])
	case "blacklist":
		runBlacklist(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		fmt.Printf("giles %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitError)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `giles - Policy-enforcing crawl client

Usage:
  giles <command> [options]

Commands:
  fetch       Fetch a URL if blacklist and robots.txt allow it
  robots      Show the robots decision for a URL
  blacklist   List, add or remove blacklisted hosts in the cache
  validate    Validate configuration file
  version     Show version info

Run 'giles <command> -h' for command-specific help.`)
}

// loadConfig loads and parses the config file
func loadConfig(path string) (*config.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg config.AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// setupLogger creates a configured logrus.Logger with the given log level.
// Logs go to stderr so fetched bodies can be piped from stdout.
func setupLogger(logLevelStr string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
	}

	return log
}

// signalContext returns a context cancelled on SIGINT/SIGTERM
func signalContext(log *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Aborting...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// openAgent loads config, connects the cache and constructs the agent.
// The returned cleanup closes both.
func openAgent(ctx context.Context, configPath string, log *logrus.Entry) (*agent.Agent, cache.PolicyCache, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := cache.Open(ctx, cfg.Cache, log)
	if err != nil {
		return nil, nil, nil, err
	}
	a, err := agent.New(*cfg, store, log)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return a, store, func() {
		a.Close()
		store.Close()
	}, nil
}

// runFetch handles the fetch subcommand
func runFetch(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	configFile := fs.String("config", "giles.yaml", "Path to config file")
	rawURL := fs.String("url", "", "URL to fetch (required)")
	maxSize := fs.Int64("max-size", -1, "Max body bytes (overrides config; 0 = unlimited)")
	timeout := fs.Duration("timeout", -1, "Inactivity timeout (overrides config; 0 = none)")
	logLevel := fs.String("loglevel", "info", "Log level (trace, debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: giles fetch -url <url> [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit status is 2 when blacklist or robots.txt declines the fetch.\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(exitError)
	}
	if *rawURL == "" {
		fs.Usage()
		os.Exit(exitError)
	}

	log := setupLogger(*logLevel)
	ctx, stop := signalContext(log)
	defer stop()

	code := doFetch(ctx, *configFile, *rawURL, *maxSize, *timeout, os.Stdout, os.Stderr, logrus.NewEntry(log))
	stop()
	os.Exit(code)
}

// doFetch fetches rawURL and writes the body to stdout and the redirect chain to stderr.
// Negative maxSize/timeout keep the configured defaults.
func doFetch(ctx context.Context, configPath, rawURL string, maxSize int64, timeout time.Duration, stdout, stderr io.Writer, log *logrus.Entry) int {
	u, err := parse.ParseTarget(rawURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid URL: %v\n", err)
		return exitError
	}

	a, _, cleanup, err := openAgent(ctx, configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer cleanup()

	opts := a.Config().RequestDefaults
	if maxSize >= 0 {
		opts.MaxSize = maxSize
	}
	if timeout >= 0 {
		opts.Timeout = timeout
	}

	start := time.Now()
	res, err := a.MakeRequestWithOptions(ctx, u, opts)
	if err != nil {
		log.WithFields(logrus.Fields{"url": u.String(), "error_type": utils.CategorizeError(err)}).Errorf("Fetch failed: %v", err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if res == nil {
		fmt.Fprintf(stderr, "Declined: %s is blacklisted or disallowed by robots.txt\n", u)
		return exitDeclined
	}

	for i, hop := range res.RedirectChain {
		fmt.Fprintf(stderr, "%d: %s\n", i, hop)
	}
	log.WithFields(logrus.Fields{"bytes": len(res.Data), "hops": len(res.RedirectChain) - 1, "duration": time.Since(start)}).Info("Fetch complete")
	io.WriteString(stdout, res.Data)
	return exitOK
}

// runRobots handles the robots subcommand
func runRobots(args []string) {
	fs := flag.NewFlagSet("robots", flag.ExitOnError)
	configFile := fs.String("config", "giles.yaml", "Path to config file")
	rawURL := fs.String("url", "", "URL to check (required)")
	logLevel := fs.String("loglevel", "warn", "Log level (trace, debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: giles robots -url <url> [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(exitError)
	}
	if *rawURL == "" {
		fs.Usage()
		os.Exit(exitError)
	}

	log := setupLogger(*logLevel)
	ctx, stop := signalContext(log)
	defer stop()

	code := doRobots(ctx, *configFile, *rawURL, os.Stdout, os.Stderr, logrus.NewEntry(log))
	stop()
	os.Exit(code)
}

// doRobots prints whether the agent may fetch rawURL and the cached rules behind it
func doRobots(ctx context.Context, configPath, rawURL string, stdout, stderr io.Writer, log *logrus.Entry) int {
	u, err := parse.ParseTarget(rawURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid URL: %v\n", err)
		return exitError
	}

	a, store, cleanup, err := openAgent(ctx, configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer cleanup()

	if a.IsBlacklisted(u.Hostname()) {
		fmt.Fprintf(stdout, "BLACKLISTED: %s\n", u.Hostname())
		return exitDeclined
	}

	host := parse.OriginHost(u)
	allowed, err := a.CheckRobots(ctx, u.Scheme, host, parse.RequestPath(u))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	cfg := a.Config()
	if rules, found, err := store.Get(ctx, cfg.RobotsKey(u.Scheme, host)); err == nil && found {
		fmt.Fprintf(stdout, "Rules for %s (%s):\n", host, cfg.UserAgent)
		for _, line := range strings.Split(rules, "\n") {
			fmt.Fprintf(stdout, "  %s\n", line)
		}
	}

	if !allowed {
		fmt.Fprintf(stdout, "DISALLOWED: %s\n", parse.RequestPath(u))
		return exitDeclined
	}
	fmt.Fprintf(stdout, "ALLOWED: %s\n", parse.RequestPath(u))
	return exitOK
}

// runBlacklist handles the blacklist subcommand
func runBlacklist(args []string) {
	fs := flag.NewFlagSet("blacklist", flag.ExitOnError)
	configFile := fs.String("config", "giles.yaml", "Path to config file")
	logLevel := fs.String("loglevel", "warn", "Log level (trace, debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: giles blacklist [options] list|add|remove [host...]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(exitError)
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(exitError)
	}

	log := setupLogger(*logLevel)
	ctx, stop := signalContext(log)
	defer stop()

	code := doBlacklist(ctx, *configFile, fs.Arg(0), fs.Args()[1:], os.Stdout, os.Stderr, logrus.NewEntry(log))
	stop()
	os.Exit(code)
}

// doBlacklist edits or lists the blacklist set held in the cache
func doBlacklist(ctx context.Context, configPath, action string, hosts []string, stdout, stderr io.Writer, log *logrus.Entry) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if _, err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	store, err := cache.Open(ctx, cfg.Cache, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer store.Close()

	key := cfg.BlacklistKey()
	for i := range hosts {
		hosts[i] = strings.ToLower(strings.TrimSpace(hosts[i]))
	}

	switch action {
	case "list":
	case "add", "remove":
		if len(hosts) == 0 {
			fmt.Fprintf(stderr, "Error: %s needs at least one host\n", action)
			return exitError
		}
		writer, ok := store.(cache.SetWriter)
		if !ok {
			fmt.Fprintf(stderr, "Error: cache backend %q cannot edit sets\n", cfg.Cache.Backend)
			return exitError
		}
		if action == "add" {
			err = writer.AddMembers(ctx, key, hosts...)
		} else {
			err = writer.RemoveMembers(ctx, key, hosts...)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
	default:
		fmt.Fprintf(stderr, "Error: unknown action %q (want list, add or remove)\n", action)
		return exitError
	}

	members, err := store.Members(ctx, key)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	sort.Strings(members)
	for _, m := range members {
		fmt.Fprintln(stdout, m)
	}
	fmt.Fprintf(stdout, "%d blacklisted host(s) under %s\n", len(members), key)
	return exitOK
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "giles.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: giles validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(exitError)
	}

	exitCode := doValidate(*configFile, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	warnings, _ := cfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}

	cacheWarnings, err := cfg.Cache.Validate()
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: [cache] %v\n", err)
		if errors.Is(err, utils.ErrConfigValidation) {
			fmt.Fprintln(stderr, "The agent cannot start without a policy cache.")
		}
		return exitError
	}
	for _, w := range cacheWarnings {
		fmt.Fprintf(stdout, "WARN: [cache] %s\n", w)
	}

	fmt.Fprintf(stdout, "OK: user_agent=%q key_prefix=%q concurrency_limit=%d cache=%s\n",
		cfg.UserAgent, cfg.KeyPrefix, cfg.ConcurrencyLimit, cfg.Cache.Backend)
	logRequestDefaults(cfg.RequestDefaults, stdout)
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return exitOK
}

// logRequestDefaults prints the effective per-request bounds
func logRequestDefaults(opts models.RequestOptions, w io.Writer) {
	maxSize := "unlimited"
	if opts.MaxSize > 0 {
		maxSize = fmt.Sprintf("%d bytes", opts.MaxSize)
	}
	timeout := "none"
	if opts.Timeout > 0 {
		timeout = opts.Timeout.String()
	}
	fmt.Fprintf(w, "OK: request max_size=%s timeout=%s\n", maxSize, timeout)
}
