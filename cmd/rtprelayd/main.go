// rtprelayd is an RTP/RTCP relay daemon (rtpproxy-shaped): it bridges
// media between two SIP dialog legs, optionally learning peer
// addresses from traffic, and exposes a line-oriented control protocol
// over one or more configurable listeners.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sippy-relay/rtprelayd/internal/config"
	relaymetrics "github.com/sippy-relay/rtprelayd/internal/metrics"
	"github.com/sippy-relay/rtprelayd/internal/relay"
	appversion "github.com/sippy-relay/rtprelayd/internal/version"
)

// drainPoll is how often the deorbiting-burn shutdown phase checks
// whether the session table has emptied.
const drainPoll = 200 * time.Millisecond

func main() {
	os.Exit(run())
}

// stringList collects a repeatable -listen/-control flag into a slice,
// the same flag.Value pattern the standard library's own flag examples
// use for multi-valued flags.
type stringList struct{ values []string }

func (s *stringList) String() string { return strings.Join(s.values, ",") }
func (s *stringList) Set(v string) error {
	s.values = append(s.values, v)
	return nil
}

func run() int {
	var (
		configPath      = flag.String("config", "", "path to configuration file (YAML)")
		portMin         = flag.Uint("port-min", 0, "lowest even port in the media port range")
		portMax         = flag.Uint("port-max", 0, "highest even port in the media port range")
		randomPorts     = flag.Bool("random-ports", false, "allocate media ports randomly instead of sequentially")
		maxTTL          = flag.Duration("ttl", 0, "idle timeout after first forwarded packet")
		setupTTL        = flag.Duration("setup-ttl", 0, "idle timeout before the first forwarded packet")
		logArg          = flag.String("log", "", "log level:facility, e.g. info:daemon")
		pidFile         = flag.String("pidfile", "", "path to write the daemon pid")
		user            = flag.String("user", "", "drop privileges to this user after binding (logged only; see DESIGN.md)")
		group           = flag.String("group", "", "drop privileges to this group after binding (logged only; see DESIGN.md)")
		sched           = flag.String("sched", "", `scheduling policy: "", "fifo", or "rr"`)
		nice            = flag.Int("nice", 0, "process niceness (SPEC_FULL §C.3)")
		bridgeSymmetric = flag.Bool("bridge_symmetric", false, "force symmetric learning on both legs regardless of per-leg negotiation")
		overloadProt    = flag.String("overload_prot", "", "low:high session-count watermarks for admission hysteresis")
		metricsAddr     = flag.String("metrics-addr", ":9542", "Prometheus metrics HTTP listen address")
		recordDir       = flag.String("record-dir", "", "base directory for record_mode=raw/pcap captures")
		recordMode      = flag.String("record-mode", "", `default session record_mode: "off", "raw", or "pcap"`)
		notifyTarget    = flag.String("notify-target", "", "default session notify_target (host:port of a UDP receiver)")
		showVersion     = flag.Bool("version", false, "print version information and exit")
	)
	var listenAddrs, controlAddrs stringList
	flag.Var(&listenAddrs, "listen", "bind address for media sockets (repeatable)")
	flag.Var(&controlAddrs, "control", "control-socket endpoint, type:path[:opts] (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("rtprelayd"))
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", slog.Any("error", err))
		return 1
	}
	applyFlagOverrides(cfg, *portMin, *portMax, *randomPorts, *maxTTL, *setupTTL, *pidFile,
		*sched, *nice, *bridgeSymmetric, *overloadProt, *recordDir, *recordMode, *notifyTarget,
		listenAddrs.values, controlAddrs.values)

	if *logArg != "" {
		level, facility := config.ParseLevelFacility(*logArg)
		cfg.Log.Level, cfg.Log.Facility = level, facility
	}
	if err := config.Validate(cfg); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})).
		With(slog.String("facility", cfg.Log.Facility))

	logger.Info("rtprelayd starting",
		slog.Uint64("port_min", uint64(cfg.Ports.Min)),
		slog.Uint64("port_max", uint64(cfg.Ports.Max)),
		slog.Any("control", cfg.Control.Listen),
	)

	applyNice(cfg.Process.Nice, logger)
	logPrivilegeIntent(*user, *group, logger)

	pidLock, err := acquirePIDFile(cfg.Process.PidFile)
	if err != nil {
		logger.Error("failed to acquire pid file", slog.Any("error", err))
		return 1
	}
	defer releasePIDFile(pidLock, cfg.Process.PidFile, logger)

	reg := prometheus.NewRegistry()
	collector := relaymetrics.NewCollector(reg)

	engine, err := relay.NewEngine(engineConfigFrom(cfg), collector, logger)
	if err != nil {
		logger.Error("failed to build relay engine", slog.Any("error", err))
		return 1
	}
	engine.Start()

	processor := relay.NewCommandProcessor(engine)
	listeners, err := buildControlListeners(cfg.Control.Listen, processor, logger)
	if err != nil {
		logger.Error("failed to build control listeners", slog.Any("error", err))
		return 1
	}

	metricsSrv := &http.Server{
		Addr:              metricsAddrOrDefault(*metricsAddr),
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return serve(engine, listeners, metricsSrv, logger)
}

func serve(engine *relay.Engine, listeners []*relay.Listener, metricsSrv *http.Server, logger *slog.Logger) int {
	ctx, stopFast := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopFast()
	ctx, stopDrained := context.WithCancel(ctx)
	defer stopDrained()

	g, gCtx := errgroup.WithContext(ctx)

	for _, ln := range listeners {
		ln := ln
		g.Go(func() error { return ln.Serve(gCtx) })
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	defer signal.Stop(sigHUP)
	g.Go(func() error {
		err := runDeorbitingBurn(gCtx, sigHUP, engine, logger)
		stopDrained()
		return err
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		for _, ln := range listeners {
			ln.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		engine.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("rtprelayd exited with error", slog.Any("error", err))
		return 1
	}
	logger.Info("rtprelayd stopped")
	return 0
}

// runDeorbitingBurn implements spec §4.11's slow-shutdown phase: the
// first SIGHUP stops admission and polls the session table until it is
// empty, then triggers the same fast-path teardown SIGINT/SIGTERM use.
// A second SIGHUP while draining aborts the wait immediately.
func runDeorbitingBurn(ctx context.Context, sigHUP <-chan os.Signal, engine *relay.Engine, logger *slog.Logger) error {
	select {
	case <-ctx.Done():
		return nil
	case <-sigHUP:
	}

	logger.Info("received SIGHUP, beginning deorbiting burn")
	engine.SetDraining(true)

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigHUP:
			logger.Warn("second SIGHUP received, aborting drain")
			return nil
		case <-ticker.C:
			if engine.Table.Len() == 0 {
				logger.Info("session table drained, exiting")
				return nil
			}
		}
	}
}

func applyFlagOverrides(cfg *config.Config, portMin, portMax uint, randomPorts bool, maxTTL, setupTTL time.Duration,
	pidFile, sched string, nice int, bridgeSymmetric bool, overloadProt, recordDir, recordMode, notifyTarget string,
	listenAddrs, controlAddrs []string) {
	if portMin != 0 {
		cfg.Ports.Min = uint16(portMin)
	}
	if portMax != 0 {
		cfg.Ports.Max = uint16(portMax)
	}
	if randomPorts {
		cfg.Ports.Randomized = true
	}
	if maxTTL != 0 {
		cfg.TTL.MaxTTL = maxTTL
	}
	if setupTTL != 0 {
		cfg.TTL.SetupTTL = setupTTL
	}
	if pidFile != "" {
		cfg.Process.PidFile = pidFile
	}
	if sched != "" {
		cfg.Process.SchedPolicy = sched
	}
	if nice != 0 {
		cfg.Process.Nice = nice
	}
	if bridgeSymmetric {
		cfg.Process.BridgeSymmetric = true
	}
	if recordDir != "" {
		cfg.Process.RecordDir = recordDir
	}
	if recordMode != "" {
		cfg.Record.Mode = recordMode
	}
	if notifyTarget != "" {
		cfg.Record.NotifyTarget = notifyTarget
	}
	if overloadProt != "" {
		if low, high, ok := parseOverload(overloadProt); ok {
			cfg.Overload.Low, cfg.Overload.High = low, high
		}
	}
	if len(listenAddrs) > 0 {
		cfg.Bind.Addrs = listenAddrs
	}
	if len(controlAddrs) > 0 {
		cfg.Control.Listen = controlAddrs
	}
}

func parseOverload(s string) (low, high int, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lowV, err1 := strconv.Atoi(parts[0])
	highV, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lowV, highV, true
}

func engineConfigFrom(cfg *config.Config) relay.EngineConfig {
	mode := relay.AllocSequential
	if cfg.Ports.Randomized {
		mode = relay.AllocRandom
	}
	ttlMode := relay.TTLIndependent
	if cfg.TTL.Unified {
		ttlMode = relay.TTLUnified
	}
	recordMode, err := relay.ParseRecordMode(cfg.Record.Mode)
	if err != nil {
		// config.Validate already rejected unknown tokens; this can
		// only be reached by a value outside that contract.
		recordMode = relay.RecordOff
	}
	return relay.EngineConfig{
		PortMin:             cfg.Ports.Min,
		PortMax:             cfg.Ports.Max,
		AllocMode:           mode,
		DefaultMaxTTL:       cfg.TTL.MaxTTL,
		DefaultSetupTTL:     cfg.TTL.SetupTTL,
		DefaultTTLMode:      ttlMode,
		BridgeSymmetric:     cfg.Process.BridgeSymmetric,
		OverloadLow:         cfg.Overload.Low,
		OverloadHigh:        cfg.Overload.High,
		RecordDir:           cfg.Process.RecordDir,
		DefaultRecordMode:   recordMode,
		DefaultNotifyTarget: cfg.Record.NotifyTarget,
	}
}

func buildControlListeners(endpoints []string, processor *relay.CommandProcessor, logger *slog.Logger) ([]*relay.Listener, error) {
	listeners := make([]*relay.Listener, 0, len(endpoints))
	for _, raw := range endpoints {
		ep, err := relay.ParseEndpoint(raw)
		if err != nil {
			return nil, fmt.Errorf("control endpoint %q: %w", raw, err)
		}
		listeners = append(listeners, relay.NewListener(ep, processor, logger))
	}
	return listeners, nil
}

// acquirePIDFile writes the daemon's pid (spec §6.4: "single line, ASCII
// decimal pid, trailing newline") and holds an advisory lock on it for
// the process lifetime so a second daemon instance cannot race on the
// same file.
func acquirePIDFile(path string) (*flock.Flock, error) {
	if path == "" {
		return nil, nil
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock pid file %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("pid file %s is already locked by another instance", path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("write pid file %s: %w", path, err)
	}
	return lock, nil
}

func releasePIDFile(lock *flock.Flock, path string, logger *slog.Logger) {
	if lock == nil {
		return
	}
	if err := lock.Unlock(); err != nil {
		logger.Warn("failed to release pid file lock", slog.String("path", path), slog.Any("error", err))
	}
	_ = os.Remove(path)
}

// applyNice sets process niceness (SPEC_FULL §C.3). Daemonization and
// privilege drop are otherwise out of scope (spec §1); this single
// syscall is the one piece of it the core touches.
func applyNice(nice int, logger *slog.Logger) {
	if nice == 0 {
		return
	}
	if err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, nice); err != nil {
		logger.Warn("failed to set process niceness", slog.Int("nice", nice), slog.Any("error", err))
	}
}

// logPrivilegeIntent records the requested user/group for operational
// visibility. Actual setuid/setgid privilege drop is out of scope (spec
// §1's daemonization non-goal) — a real deployment runs rtprelayd
// already as the target user via its process supervisor.
func logPrivilegeIntent(user, group string, logger *slog.Logger) {
	if user == "" && group == "" {
		return
	}
	logger.Info("privilege drop requested but not performed by the daemon itself",
		slog.String("user", user), slog.String("group", group))
}

func metricsAddrOrDefault(addr string) string {
	if addr == "" {
		return ":9542"
	}
	return addr
}
