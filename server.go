// Root-level composition: wires every internal package into one running
// server instance. Grounded on bken server/main.go's wiring shape
// (construct store/room, attach callbacks, start ticker goroutines, run
// until signalled), generalized from a voice room to the lockstep game
// server's component graph.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dcfnet/coreserver/internal/admin"
	"github.com/dcfnet/coreserver/internal/autohost"
	"github.com/dcfnet/coreserver/internal/config"
	"github.com/dcfnet/coreserver/internal/conn"
	"github.com/dcfnet/coreserver/internal/dispatch"
	"github.com/dcfnet/coreserver/internal/logging"
	"github.com/dcfnet/coreserver/internal/model"
	"github.com/dcfnet/coreserver/internal/redundancy"
	"github.com/dcfnet/coreserver/internal/scheduler"
	"github.com/dcfnet/coreserver/internal/synccheck"
	"github.com/dcfnet/coreserver/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Server owns every long-lived component for one game instance.
type Server struct {
	cfg        *config.Config
	log        *zap.Logger
	dispatcher *dispatch.Dispatcher
	redundancy *redundancy.Manager
	scheduler  *scheduler.Scheduler
	admin      *admin.Server
	autohost   *autohost.Channel
	syncCheck  *synccheck.Checker
	meshLink   *conn.Primary
	metrics    *conn.Collector
}

// newServer builds the full component graph from cfg but starts nothing.
func newServer(cfg *config.Config) (*Server, error) {
	log := logging.Build(logging.Config{Level: cfg.Logging.Level, File: cfg.Logging.File})

	metricsCollector := conn.NewCollector()
	if err := prometheus.Register(metricsCollector); err != nil {
		log.Warn("connection metrics collector already registered", zap.Error(err))
	}

	var ah *autohost.Channel
	if cfg.AutohostAddr != "" {
		fb, err := conn.NewFallback(transport.Options{MTU: cfg.NetworkSettings.MTU}, cfg.AutohostAddr, log)
		if err != nil {
			return nil, fmt.Errorf("autohost: %w", err)
		}
		fb.SetCollector(metricsCollector)
		ah = autohost.New(fb)
	}

	d := dispatch.New(dispatch.Config{
		AllowSpecJoin:              true,
		WhiteListAdditionalPlayers: false,
		MaxPlayers:                 cfg.MaxPlayers,
	}, ah, log)

	rm := redundancy.New()

	sc := synccheck.New(nil, d) // failover requester wired in per-peer once Primary connections exist

	d.SetSyncRecorder(sc)

	clock := model.NewServerClock(1.0)
	connsFn := func() map[int]scheduler.Connection {
		out := make(map[int]scheduler.Connection)
		for i := 0; i < model.MaxPlayers; i++ {
			p, ok := d.Participant(i)
			if !ok || p.Connection == nil {
				continue
			}
			if sc, ok := p.Connection.(scheduler.Connection); ok {
				out[i] = sc
			}
		}
		return out
	}

	schedCfg := scheduler.Config{
		MinUserSpeed: 0.1,
		MaxUserSpeed: 2.0,
		GamePausable: true,
		SpeedMode:    scheduler.SpeedModeAverage,
	}
	sched := scheduler.New(clock, d, connsFn, sc, schedCfg, log)

	adminSrv := admin.New(d, log)

	srv := &Server{
		cfg:        cfg,
		log:        log,
		dispatcher: d,
		redundancy: rm,
		scheduler:  sched,
		admin:      adminSrv,
		autohost:   ah,
		syncCheck:  sc,
		metrics:    metricsCollector,
	}

	if len(cfg.Peers) > 0 {
		meshPrimary, err := conn.NewPrimary(cfg.Transport, transport.Options{MTU: cfg.NetworkSettings.MTU}, cfg.Peers[0], rm, log)
		if err != nil {
			log.Warn("mesh primary setup failed, sync-check failover disabled", zap.Error(err))
		} else {
			meshPrimary.SetCollector(metricsCollector)
			sc.SetFailoverRequester(meshPrimary)
			srv.meshLink = meshPrimary
		}
	}

	return srv, nil
}

// connectPeer dials a mesh peer, establishing a Primary connection and
// falling back to Fallback on setup failure. Used for redundancy re-probes
// in pollLoop; newServer builds its initial mesh link with conn.NewPrimary
// directly and has no Fallback path.
func (s *Server) connectPeer(pluginName, target string) (model.Connection, error) {
	opts := transport.Options{MTU: s.cfg.NetworkSettings.MTU}
	p, err := conn.NewPrimary(pluginName, opts, target, s.redundancy, s.log)
	if err != nil {
		s.log.Warn("primary setup failed, falling back", zap.Error(err), zap.String("target", target))
		fb, ferr := conn.NewFallback(opts, target, s.log)
		if ferr != nil {
			return nil, ferr
		}
		fb.SetCollector(s.metrics)
		return fb, nil
	}
	p.SetCollector(s.metrics)
	return p, nil
}

// run starts every component and blocks until ctx is cancelled.
func (s *Server) run(ctx context.Context) {
	if s.autohost != nil {
		_ = s.autohost.ServerStarted()
	}

	go s.scheduler.Run(ctx)

	adminAddr := s.cfg.AdminAddr
	if adminAddr == "" {
		adminAddr = ":8453"
	}
	go s.admin.Run(ctx, adminAddr)

	go s.pollLoop(ctx)

	<-ctx.Done()
	if s.autohost != nil {
		_ = s.autohost.ServerQuit()
	}
	if s.meshLink != nil {
		_ = s.meshLink.Close(true)
	}
}

// pollLoop drains autohost inbound traffic and re-probes degraded
// redundancy peers on a slow cadence; neither belongs in the 5ms
// simulation tick.
func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.autohost != nil {
				s.autohost.Poll()
			}
			for _, name := range s.redundancy.DueForReprobe(now) {
				s.reprobePeer(name, now)
			}
		}
	}
}

// reprobePeer re-dials a degraded peer to measure fresh RTT and feeds the
// result back into the Redundancy Manager, which reclassifies the peer and
// may promote it back to primary.
func (s *Server) reprobePeer(name string, now time.Time) {
	started := time.Now()
	c, err := s.connectPeer(s.cfg.Transport, name)
	if err != nil {
		s.log.Debug("redundancy reprobe failed", zap.String("peer", name), zap.Error(err))
		return
	}
	s.redundancy.Observe(name, time.Since(started), now)
	_ = c.Close(false)
}

func runServe(cfgPath string) error {
	admin.Version = versionString

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	srv, err := newServer(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.log.Info("shutting down")
		cancel()
	}()

	srv.run(ctx)
	return nil
}
