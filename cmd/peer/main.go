package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
	"screenmesh/internal/core/services"
	apihttp "screenmesh/internal/handlers/http"
	"screenmesh/internal/infrastructure/media"
	"screenmesh/internal/infrastructure/monitoring"
	"screenmesh/internal/transport"
	"screenmesh/pkg/config"
	"screenmesh/pkg/logger"
	"screenmesh/pkg/retry"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/screenmesh/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			log.Printf("Loaded config from: %s", path)
			break
		}
	}
	if cfg == nil {
		if err != nil {
			log.Fatalf("invalid config: %v", err)
		}
		log.Printf("No config file found, using defaults")
		cfg, err = config.Load("")
		if err != nil {
			log.Fatalf("default config: %v", err)
		}
	}

	zlog, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync()

	local := domain.PeerIdentity{
		ID:           domain.PeerID(uuid.NewString()),
		Name:         cfg.Identity.Name,
		Capabilities: transport.DefaultCapabilities,
	}
	zlog.Infow("starting peer", "id", local.ID, "name", local.Name)

	metrics := monitoring.NewPrometheusCollector()
	registry := transport.NewRegistry(zlog)
	endpoint := transport.NewEndpoint(transport.Config{
		BindAddr:           cfg.Network.BindAddress,
		DialTimeout:        cfg.Network.DialTimeout,
		HandshakeTimeout:   cfg.Network.HandshakeTimeout,
		MaxIdleTimeout:     cfg.Network.MaxIdleTimeout,
		HeartbeatInterval:  cfg.Heartbeat.Interval,
		HeartbeatMissLimit: cfg.Heartbeat.MissLimit,
	}, local, registry, metrics, zlog)

	scheduler := services.NewFrameScheduler(services.SchedulerConfig{
		KeyframeRetryBudget: cfg.Streaming.KeyframeRetryBudget,
		KeyframeSendTimeout: cfg.Streaming.KeyframeSendTimeout,
		DeltaDeadline:       cfg.Streaming.DeltaDeadline,
	}, metrics, zlog)

	capture := media.NewSyntheticCapture(media.DefaultDisplays())
	codecs := media.NewDiffCodecFactory()
	renderer := media.NewStatsRenderer()
	hub := apihttp.NewEventHub(zlog)

	manager := services.NewSessionManager(services.SessionConfig{
		TargetFPS:                  uint8(cfg.Streaming.TargetFPS),
		Codec:                      cfg.Streaming.Codec,
		KeyframeRequestMinInterval: cfg.Streaming.KeyframeRequestMinInterval,
	}, local, registry, scheduler, capture, codecs, codecs, renderer, metrics, hub, zlog)

	registry.OnRegister(manager.HandlePeerUp)
	registry.OnUnregister(manager.HandlePeerGone)

	if err := endpoint.Listen(); err != nil {
		zlog.Fatalw("listen failed", "address", cfg.Network.BindAddress, "error", err)
	}
	zlog.Infow("transport listening", "address", endpoint.LocalAddr())

	// Single consumer of the merged inbound stream.
	go func() {
		for in := range endpoint.Inbound() {
			manager.HandleMessage(in.From, in.Msg)
		}
	}()

	// Bootstrap peers from config; failures are logged, not fatal. Version
	// and identity rejections are permanent, everything else backs off.
	dialRetry := retry.DefaultConfig()
	dialRetry.Permanent = []error{
		domain.ErrVersionMismatch,
		domain.ErrIdentityConflict,
		domain.ErrAlreadyRegistered,
	}
	for _, addr := range cfg.Network.Peers {
		go func(addr string) {
			err := retry.Do(context.Background(), dialRetry, func() error {
				_, err := endpoint.Dial(context.Background(), addr)
				return err
			})
			if err != nil {
				zlog.Warnw("bootstrap dial failed", "address", addr, "error", err)
			}
		}(addr)
	}

	var api *apihttp.APIServer
	if cfg.API.Enabled {
		handler := apihttp.NewStatusHandler(manager, registry, dialerFunc(endpoint.Dial), renderer, hub)
		api = apihttp.NewAPIServer(cfg.API.Address, handler, zlog)
		go func() {
			if err := api.Run(); err != nil {
				zlog.Errorw("api server failed", "error", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	zlog.Infow("shutting down")

	if api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		if err := api.Shutdown(ctx); err != nil {
			zlog.Warnw("api shutdown", "error", err)
		}
		cancel()
	}
	manager.Stop()
	scheduler.Stop()
	endpoint.Close()
	zlog.Infow("shutdown complete")
	time.Sleep(100 * time.Millisecond) // let close notices flush
}

// dialerFunc adapts the endpoint's concrete Dial to the handler's Dialer.
type dialerFunc func(ctx context.Context, addr string) (*transport.Conn, error)

func (f dialerFunc) Dial(ctx context.Context, addr string) (ports.PeerLink, error) {
	return f(ctx, addr)
}
