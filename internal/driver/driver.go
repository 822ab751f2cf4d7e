// Package driver assembles the Conductor, Sender and Receiver agents into
// one running media driver process, per spec.md §5's threading-mode split:
// dedicated (one goroutine per agent), shared-network (Sender+Receiver
// share a goroutine), or shared (all three on one goroutine). It also owns
// the CnC file's single-instance guard, the channel endpoint registry, and
// the optional Prometheus metrics server.
package driver

import (
	"context"
	"fmt"
	"os"
	"time"

	"pkt.systems/pslog"

	"github.com/quaywire/mediadriver/internal/channel"
	"github.com/quaywire/mediadriver/internal/cnc"
	"github.com/quaywire/mediadriver/internal/concurrent"
	"github.com/quaywire/mediadriver/internal/conductor"
	"github.com/quaywire/mediadriver/internal/config"
	"github.com/quaywire/mediadriver/internal/metrics"
	"github.com/quaywire/mediadriver/internal/receiver"
	"github.com/quaywire/mediadriver/internal/sender"
)

// Driver owns the running agents, the CnC file and the metrics server for
// one media driver process.
type Driver struct {
	cfg    config.Config
	logger pslog.Logger

	cncFile  *cnc.CnC
	registry *channel.Registry

	conductor *conductor.Conductor
	sender    *sender.Sender
	receiver  *receiver.Receiver

	runners       []*concurrent.Runner
	metricsServer *metrics.Server
}

// New wires a Conductor, Sender and Receiver against cfg, creating the CnC
// file at cfg.CnCPath() (spec.md §4.2's single-instance guard: an existing
// live CnC file refuses startup). clock is exposed for tests; production
// callers pass time.Now().UnixNano.
func New(cfg config.Config, logger pslog.Logger, clock func() int64) (*Driver, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clock == nil {
		clock = func() int64 { return time.Now().UnixNano() }
	}

	if err := os.MkdirAll(cfg.AeronDir, 0o755); err != nil {
		return nil, fmt.Errorf("driver: create aeron dir %q: %w", cfg.AeronDir, err)
	}

	cncPath := cfg.CnCPath()
	if alive, err := cnc.CheckLiveness(cncPath, clock(), cfg.ClientLivenessTimeoutNs); err != nil {
		return nil, fmt.Errorf("driver: check cnc liveness: %w", err)
	} else if alive {
		return nil, fmt.Errorf("driver: another media driver is already running against %s", cfg.AeronDir)
	}
	cncFile, err := cnc.CreateCnCFile(cncPath, cnc.DefaultToDriverRingLength, cnc.DefaultToClientsRingLength)
	if err != nil {
		return nil, fmt.Errorf("driver: create cnc file: %w", err)
	}
	// Stamp an initial liveness so the single-instance guard is meaningful
	// immediately; the Conductor's own heartbeat (spec.md §4.9) keeps it
	// fresh from its first DoWork tick onward.
	cncFile.Meta.SetLivenessNs(clock())

	registry := channel.NewRegistry()

	condCfg := conductor.Config{
		AeronDir:                    cfg.AeronDir,
		TermLength:                  cfg.TermLength,
		MTU:                         cfg.MTU,
		ClientLivenessTimeoutNs:     cfg.ClientLivenessTimeoutNs,
		ImageLivenessTimeoutNs:      cfg.ImageLivenessTimeoutNs,
		PublicationLingerTimeoutNs:  cfg.PublicationLingerTimeoutNs,
		PublicationUnblockTimeoutNs: cfg.PublicationUnblockTimeoutNs,
		LivenessHeartbeatIntervalNs: cfg.StatusMessageTimeoutNs,
		CommandDrainLimit:           32,
	}
	cond := conductor.New(condCfg, cncFile, registry, subLogger(logger, "conductor"), clock)

	senderCfg := sender.DefaultConfig()
	senderCfg.RetransmitGroupSize = cfg.OMFBGroupSizeEstimate
	send := sender.New(senderCfg, cond.SenderCommands(), cond.AgentCommands(), subLogger(logger, "sender"), clock)

	receiverCfg := receiver.DefaultConfig()
	receiverCfg.StatusMessageTimeoutNs = cfg.StatusMessageTimeoutNs
	receiverCfg.ImageLivenessTimeoutNs = cfg.ImageLivenessTimeoutNs
	recv := receiver.New(receiverCfg, cond.ReceiverCommands(), cond.AgentCommands(), subLogger(logger, "receiver"), clock)

	metricsRegistry := metrics.New()
	cond.Metrics = metricsRegistry
	send.Metrics = metricsRegistry
	recv.Metrics = metricsRegistry

	d := &Driver{
		cfg:       cfg,
		logger:    logger,
		cncFile:   cncFile,
		registry:  registry,
		conductor: cond,
		sender:    send,
		receiver:  recv,
	}

	metricsServer, err := metrics.Serve(cfg.MetricsListen, metricsRegistry, subLogger(logger, "metrics"))
	if err != nil {
		cncFile.Close()
		return nil, fmt.Errorf("driver: start metrics server: %w", err)
	}
	d.metricsServer = metricsServer

	return d, nil
}

func subLogger(logger pslog.Logger, role string) pslog.Logger {
	return logger.With("role", role)
}

func idleStrategy(cfg config.Config) concurrent.IdleStrategy {
	switch cfg.IdleStrategy {
	case config.IdleBusySpin:
		return &concurrent.BusySpinIdleStrategy{}
	default:
		return concurrent.NewBackoffIdleStrategy(time.Duration(cfg.IdleParkNs))
	}
}

func (d *Driver) onAgentError(role string, err error) {
	d.logger.Warn("driver.agent.error", "role", role, "error", err)
}

// Start launches the agents under cfg.ThreadingMode and returns
// immediately; the agents keep running until ctx is cancelled or Stop is
// called.
func (d *Driver) Start(ctx context.Context) {
	idle := func() concurrent.IdleStrategy { return idleStrategy(d.cfg) }

	switch d.cfg.ThreadingMode {
	case config.SharedThread:
		composite := concurrent.NewCompositeAgent("driver", d.conductor, d.sender, d.receiver)
		runner := concurrent.NewRunner(composite, idle(), d.onAgentError)
		d.runners = []*concurrent.Runner{runner}
	case config.TwoThread:
		networkComposite := concurrent.NewCompositeAgent("network", d.sender, d.receiver)
		condRunner := concurrent.NewRunner(d.conductor, idle(), d.onAgentError)
		netRunner := concurrent.NewRunner(networkComposite, idle(), d.onAgentError)
		d.runners = []*concurrent.Runner{condRunner, netRunner}
	default: // config.ThreeThread
		d.runners = []*concurrent.Runner{
			concurrent.NewRunner(d.conductor, idle(), d.onAgentError),
			concurrent.NewRunner(d.sender, idle(), d.onAgentError),
			concurrent.NewRunner(d.receiver, idle(), d.onAgentError),
		}
	}

	for _, r := range d.runners {
		r.Start(ctx)
	}
	d.logger.Info("driver.started", "threadingMode", string(d.cfg.ThreadingMode), "aeronDir", d.cfg.AeronDir)
}

// Stop halts every agent runner, then closes the CnC file and metrics
// server. Safe to call once after Start.
func (d *Driver) Stop() {
	for _, r := range d.runners {
		r.Stop()
	}
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("driver.metrics.shutdown_error", "error", err)
		}
	}
	if err := d.cncFile.Close(); err != nil {
		d.logger.Warn("driver.cnc.close_error", "error", err)
	}
	d.logger.Info("driver.stopped")
}

// AeronDir returns the directory this driver is running against, mainly
// for tests and diagnostics.
func (d *Driver) AeronDir() string { return d.cfg.AeronDir }

// CnCPath returns the path of the CnC file this driver created.
func (d *Driver) CnCPath() string { return d.cfg.CnCPath() }
