// Command fleetconf serves runtime configuration to a fleet of agents and
// publishes their heartbeat counts as metrics.
//
// Run: fleetconf --config fleetconf.toml
// Stop: Ctrl+C (SIGINT) or kill (SIGTERM)
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/vinayprograms/fleetconf/artifact"
	"github.com/vinayprograms/fleetconf/bus"
	"github.com/vinayprograms/fleetconf/config"
	"github.com/vinayprograms/fleetconf/heartbeat"
	"github.com/vinayprograms/fleetconf/logging"
	"github.com/vinayprograms/fleetconf/serviceconfig"
	"github.com/vinayprograms/fleetconf/shutdown"
	"github.com/vinayprograms/fleetconf/telemetry"
	"github.com/vinayprograms/fleetconf/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("fleetconf", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to the TOML configuration file")
	addr := flags.String("addr", "", "listen address (overrides [server] addr)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New()
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	app, err := build(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	return app.serve()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.Find()
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// app holds the running components in shutdown order.
type app struct {
	logger    *logging.Logger
	coord     *shutdown.Coordinator
	server    *transport.Server
	tracker   *heartbeat.Tracker
	listener  *heartbeat.BusListener
	publisher *telemetry.Publisher
}

func build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	coord, err := shutdown.NewCoordinator(shutdown.Config{
		Timeout:      shutdown.DefaultConfig().Timeout,
		DefaultPhase: shutdown.PhaseInfrastructure,
		Logger:       logger.WithComponent("shutdown"),
	})
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, coord: coord}

	// Tracing
	tracer := telemetry.NewNoopTracer()
	if cfg.Tracing.Endpoint != "" {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName: cfg.Tracing.ServiceName,
			Endpoint:    cfg.Tracing.Endpoint,
			Protocol:    cfg.Tracing.Protocol,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		coord.RegisterWithPhase("tracer-provider", provider, shutdown.PhaseInfrastructure)
		tracer = provider.Tracer()
	}
	metrics := telemetry.NewMetrics()

	// Bus
	msgBus, err := newBus(cfg.Bus)
	if err != nil {
		return nil, err
	}
	coord.RegisterWithPhase("bus", shutdown.CloserFunc(msgBus.Close), shutdown.PhaseInfrastructure)

	// Registry and bindings
	memCfg := serviceconfig.MemoryConfig{
		StrictUpdate: cfg.Registry.StrictUpdate,
		Logger:       logger.WithComponent("registry"),
	}
	if cfg.Registry.Search {
		index, err := serviceconfig.NewSearchIndex()
		if err != nil {
			return nil, err
		}
		memCfg.Index = index
		coord.RegisterWithPhase("search-index", shutdown.CloserFunc(index.Close), shutdown.PhaseInfrastructure)
	}
	registry := serviceconfig.NewMemoryRegistry(memCfg)
	coord.RegisterWithPhase("registry", shutdown.CloserFunc(registry.Close), shutdown.PhaseInfrastructure)
	bindings := serviceconfig.NewBindingTable(registry, logger.WithComponent("bindings"))

	if err := seed(cfg.Seeds, bindings); err != nil {
		return nil, err
	}

	// Publisher
	sink, err := telemetry.NewSink(ctx, telemetry.SinkConfig{
		Kind:     cfg.Telemetry.Sink,
		Endpoint: cfg.Telemetry.Endpoint,
		Region:   cfg.Telemetry.Region,
		Timeout:  cfg.Telemetry.PublishTimeout(),
		Bus:      msgBus,
	})
	if err != nil {
		return nil, err
	}
	publisher, err := telemetry.NewPublisher(telemetry.PublisherConfig{
		Enabled:        cfg.Telemetry.Enabled,
		Namespace:      cfg.Telemetry.Namespace,
		Interval:       cfg.Telemetry.Interval(),
		BatchSize:      cfg.Telemetry.BatchSize,
		PublishTimeout: cfg.Telemetry.PublishTimeout(),
	}, sink,
		telemetry.WithLogger(logger.WithComponent("publisher")),
		telemetry.WithTracer(tracer),
		telemetry.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}
	a.publisher = publisher
	coord.RegisterWithPhase("publisher", publisher, shutdown.PhasePublish)

	// Heartbeat ingress
	trackerCfg := heartbeat.DefaultTrackerConfig()
	trackerCfg.Recorder = publisher
	trackerCfg.Logger = logger.WithComponent("tracker")
	a.tracker = heartbeat.NewTracker(trackerCfg)
	a.tracker.OnDead(func(clientID string) {
		logger.Warn("client_silent", map[string]interface{}{"client_id": clientID})
	})

	a.listener, err = heartbeat.NewBusListener(heartbeat.ListenerConfig{
		Bus:     msgBus,
		Tracker: a.tracker,
		Queue:   cfg.Bus.Queue,
		Logger:  logger.WithComponent("listener"),
	})
	if err != nil {
		return nil, err
	}
	coord.RegisterWithPhase("bus-listener", a.listener, shutdown.PhaseHeartbeat)
	coord.RegisterWithPhase("tracker", shutdown.CloserFunc(a.tracker.Stop), shutdown.PhaseHeartbeat)

	// HTTP API
	serverCfg := transport.DefaultConfig()
	serverCfg.Addr = cfg.Server.Addr
	serverCfg.Username = cfg.Server.Username
	serverCfg.Password = cfg.Server.Password
	if t := cfg.Server.ReadHeaderTimeout(); t > 0 {
		serverCfg.ReadHeaderTimeout = t
	}
	a.server, err = transport.NewServer(serverCfg, transport.Options{
		Registry:   registry,
		Bindings:   bindings,
		Heartbeats: a.tracker,
		Clients:    a.tracker,
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logger.WithComponent("http"),
	})
	if err != nil {
		return nil, err
	}
	coord.RegisterWithPhase("http-server", a.server, shutdown.PhaseIngress)

	return a, nil
}

func newBus(cfg config.BusConfig) (bus.MessageBus, error) {
	switch cfg.Kind {
	case "nats":
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = cfg.URL
		if cfg.Name != "" {
			natsCfg.Name = cfg.Name
		}
		b, err := bus.NewNATSBus(natsCfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	}
}

// seed stores and binds the configurations listed under [[seed]].
func seed(seeds []config.Seed, bindings *serviceconfig.BindingTable) error {
	for _, s := range seeds {
		item := artifact.NewResolver(s.Repository, s.ResolvedChannel()).Item(s.Coordinates())

		name := s.Name
		if name == "" {
			name = s.Coordinates().String()
		}
		cfg := serviceconfig.New(name)
		cfg.AddDownloadItem(item)
		cfg.StartServiceScript = s.StartScript
		if cfg.StartServiceScript == "" {
			cfg.StartServiceScript = "java -jar " + item.Filename()
		}

		if _, err := bindings.Bind(s.ClientID, *cfg); err != nil {
			return fmt.Errorf("seed %s: %w", s.ClientID, err)
		}
	}
	return nil
}

func (a *app) serve() error {
	starts := []func() error{
		a.tracker.Start,
		a.listener.Start,
		func() error { return a.publisher.Start(context.Background()) },
		a.server.Start,
	}
	for _, start := range starts {
		if err := start(); err != nil {
			_ = a.coord.ShutdownWithTimeout(0)
			return err
		}
	}

	a.coord.HandleSignals()
	a.logger.Info("fleetconf_started", map[string]interface{}{"addr": a.server.Addr()})

	<-a.coord.Done()

	result := a.coord.Result()
	if result != nil && result.Failed() {
		return fmt.Errorf("shutdown: %s", result.String())
	}
	return a.coord.Err()
}
