package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/galpt/cake-sched/internal/linkrate"
	"github.com/galpt/cake-sched/pkg/cake"
	"github.com/galpt/cake-sched/pkg/log"
	"github.com/galpt/cake-sched/pkg/metrics"
	"github.com/galpt/cake-sched/pkg/server"
)

// Version is overridden at build-time.
var Version = "dev"

func main() {
	host := flag.String("host", "0.0.0.0", "bind address for web interface")
	port := flag.Int("port", 11112, "TCP port for web interface")
	metricsPort := flag.Int("metrics-port", 11113, "TCP port for the Prometheus /metrics endpoint")
	interval := flag.Duration("interval", 100*time.Millisecond, "stats poll interval")
	histCap := flag.Int("history", 300, "samples to retain per instance")

	ifaceName := flag.String("iface", "", "egress interface name, used only to resolve -rate auto via rtnetlink")
	rateFlag := flag.String("rate", "", "shaper base rate in bits/s, or \"auto\" to look up -iface's MTU-derived guess")
	diffserv := flag.String("diffserv", "diffserv4", "diffserv classifier mode: besteffort, precedence, diffserv8, diffserv4")
	flowMode := flag.String("flowmode", "flows", "flow hash mode: none, srcip, dstip, hosts, flows, dual-srchost, dual-dsthost, triple-isolate")
	atm := flag.Bool("atm", false, "apply ATM cell-tax framing overhead")
	overhead := flag.Int("overhead", 0, "per-packet link-layer overhead in bytes")
	wash := flag.Bool("wash", false, "zero DSCP bits on egress, preserving ECN")
	memory := flag.Uint64("memory", 0, "buffer memory budget in bytes, 0 derives it from rate and interval")
	codelInterval := flag.Duration("codel-interval", 100*time.Millisecond, "CoDel interval")
	codelTarget := flag.Duration("codel-target", 5*time.Millisecond, "CoDel target sojourn time")

	showVer := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "cake-sched %s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVer {
		fmt.Printf("cake-sched %s\n", Version)
		os.Exit(0)
	}

	log.Logger = log.Logger.Level(zerolog.InfoLevel).With().Str("version", Version).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := buildConfig(ctx, *rateFlag, *ifaceName, *diffserv, *flowMode, *atm, *overhead, *wash, *memory, *codelInterval, *codelTarget)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("invalid configuration")
	}

	sched, err := cake.New(cfg, nil)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("building scheduler")
	}
	log.Logger.Info().Str("id", sched.ID).Uint64("base_rate", cfg.BaseRate).Msg("scheduler created")

	instances := []server.Instance{{Name: "main", Scheduler: sched}}

	collector := metrics.NewSchedulerCollector([]metrics.Named{{Name: "main", Scheduler: sched}})
	go func() {
		addr := fmt.Sprintf("%s:%d", *host, *metricsPort)
		if err := metrics.Serve(ctx, addr, collector); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	addr := fmt.Sprintf("%s:%d", *host, *port)
	srv := server.New(*interval, *histCap, instances)
	if err := srv.Run(ctx, addr); err != nil {
		log.Logger.Fatal().Err(err).Msg("fatal")
	}
	log.Logger.Info().Msg("shutdown complete")
}

func buildConfig(ctx context.Context, rateFlag, iface, diffserv, flowMode string, atm bool, overhead int, wash bool, memory uint64, codelInterval, codelTarget time.Duration) (cake.Config, error) {
	cfg := cake.DefaultConfig()
	cfg.ATM = atm
	cfg.Overhead = int32(overhead)
	cfg.Wash = wash
	cfg.Memory = uint32(memory)
	cfg.Interval = codelInterval
	cfg.Target = codelTarget

	switch rateFlag {
	case "":
		// leave BaseRate at zero, meaning unlimited (spec §3 edge case).
	case "auto":
		if iface == "" {
			return cake.Config{}, fmt.Errorf("-rate auto requires -iface")
		}
		info, err := linkrate.Lookup(ctx, iface)
		if err != nil {
			return cake.Config{}, err
		}
		// rtnetlink cannot report NIC link speed (see internal/linkrate's
		// doc comment); fall back to a conservative MTU-scaled guess an
		// operator can override once they know the real figure.
		cfg.BaseRate = uint64(info.MTU) * 8 * 1000
		log.Logger.Warn().Str("iface", iface).Uint64("guessed_rate", cfg.BaseRate).Msg("rate auto is a rough MTU-derived guess, not a measured link speed")
	default:
		var rate uint64
		if _, err := fmt.Sscanf(rateFlag, "%d", &rate); err != nil {
			return cake.Config{}, fmt.Errorf("invalid -rate %q: %w", rateFlag, err)
		}
		cfg.BaseRate = rate / 8 // -rate is bits/s; Config.BaseRate is bytes/s
	}

	mode, err := parseDiffserv(diffserv)
	if err != nil {
		return cake.Config{}, err
	}
	cfg.DiffservMode = mode

	fm, err := parseFlowMode(flowMode)
	if err != nil {
		return cake.Config{}, err
	}
	cfg.FlowMode = fm

	return cfg, nil
}

func parseDiffserv(s string) (cake.DiffservMode, error) {
	switch s {
	case "besteffort":
		return cake.ModeBestEffort, nil
	case "precedence":
		return cake.ModePrecedence, nil
	case "diffserv8":
		return cake.ModeDiffserv8, nil
	case "diffserv4":
		return cake.ModeDiffserv4, nil
	default:
		return 0, fmt.Errorf("unknown -diffserv mode %q", s)
	}
}

func parseFlowMode(s string) (cake.FlowMode, error) {
	switch s {
	case "none":
		return cake.FlowNone, nil
	case "srcip":
		return cake.FlowSrcIP, nil
	case "dstip":
		return cake.FlowDstIP, nil
	case "hosts":
		return cake.FlowHosts, nil
	case "flows":
		return cake.FlowFlows, nil
	case "dual-srchost":
		return cake.FlowDualSrc, nil
	case "dual-dsthost":
		return cake.FlowDualDst, nil
	case "triple-isolate", "dual":
		return cake.FlowDual, nil
	default:
		return 0, fmt.Errorf("unknown -flowmode %q", s)
	}
}
