// Command fleetconf-agent sends heartbeats for one client and reports the
// configuration the server has bound to it.
//
// Over HTTP every heartbeat returns the bound configuration. Over NATS the
// agent only publishes heartbeats and polls the configuration separately.
//
// Run: fleetconf-agent --server http://localhost:8086 --client-id clientid1
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/zoobzio/clockz"

	"github.com/vinayprograms/fleetconf/bus"
	ferrors "github.com/vinayprograms/fleetconf/errors"
	"github.com/vinayprograms/fleetconf/heartbeat"
	"github.com/vinayprograms/fleetconf/logging"
	"github.com/vinayprograms/fleetconf/serviceconfig"
	"github.com/vinayprograms/fleetconf/shutdown"
	"github.com/vinayprograms/fleetconf/transport"
)

type options struct {
	server   string
	natsURL  string
	clientID string
	interval time.Duration
	username string
	password string
	logLevel string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flags := pflag.NewFlagSet("fleetconf-agent", pflag.ContinueOnError)
	flags.StringVar(&opts.server, "server", "http://localhost:8086", "fleetconf server base URL")
	flags.StringVar(&opts.natsURL, "nats", "", "publish heartbeats on this NATS server instead of over HTTP")
	flags.StringVar(&opts.clientID, "client-id", "", "client identifier (required)")
	flags.DurationVar(&opts.interval, "interval", 5*time.Second, "heartbeat interval")
	flags.StringVar(&opts.username, "username", os.Getenv("FLEETCONF_USERNAME"), "basic auth username")
	flags.StringVar(&opts.password, "password", os.Getenv("FLEETCONF_PASSWORD"), "basic auth password")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if opts.clientID == "" {
		return fmt.Errorf("--client-id is required")
	}
	if opts.interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	logger := logging.New().WithComponent("agent")
	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	coord, err := shutdown.NewCoordinator(shutdown.Config{Logger: logger})
	if err != nil {
		return err
	}

	clientOpts := []transport.ClientOption{}
	if opts.username != "" {
		clientOpts = append(clientOpts, transport.WithBasicAuth(opts.username, opts.password))
	}
	client := transport.NewClient(opts.server, clientOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	coord.RegisterFuncWithPhase("agent-loop", func(context.Context) error {
		cancel()
		return nil
	}, shutdown.PhaseIngress)

	w := &watcher{client: client, clientID: opts.clientID, logger: logger}

	if opts.natsURL != "" {
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = opts.natsURL
		natsCfg.Name = "fleetconf-agent-" + opts.clientID
		msgBus, err := bus.NewNATSBus(natsCfg)
		if err != nil {
			return err
		}
		coord.RegisterWithPhase("bus", shutdown.CloserFunc(msgBus.Close), shutdown.PhaseInfrastructure)

		senderCfg := heartbeat.DefaultSenderConfig()
		senderCfg.Bus = msgBus
		senderCfg.ClientID = opts.clientID
		senderCfg.Interval = opts.interval
		sender, err := heartbeat.NewBusSender(senderCfg, heartbeat.WithSenderLogger(logger))
		if err != nil {
			return err
		}
		coord.RegisterWithPhase("heartbeat-sender", sender, shutdown.PhaseHeartbeat)
		if err := sender.Start(ctx); err != nil {
			return err
		}
		go w.loop(ctx, clockz.RealClock, opts.interval, w.poll)
	} else {
		go w.loop(ctx, clockz.RealClock, opts.interval, w.beat)
	}

	coord.HandleSignals()
	logger.Info("agent_started", map[string]interface{}{"client_id": opts.clientID, "server": opts.server})
	<-coord.Done()
	return coord.Err()
}

// watcher tracks the configuration bound to one client and logs changes.
type watcher struct {
	client   *transport.Client
	clientID string
	logger   *logging.Logger

	current string
	changed time.Time
}

// loop runs step immediately and then once per interval until ctx ends.
func (w *watcher) loop(ctx context.Context, clock clockz.Clock, interval time.Duration, step func(context.Context)) {
	step(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-clock.After(interval):
			step(ctx)
		}
	}
}

// beat sends one HTTP heartbeat and records the configuration it returns.
func (w *watcher) beat(ctx context.Context) {
	cfg, err := w.client.Heartbeat(ctx, &heartbeat.Heartbeat{
		ClientID:  w.clientID,
		Timestamp: time.Now(),
		Status:    "running",
	})
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("heartbeat_failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	w.observe(cfg)
}

// poll queries the bound configuration without sending a heartbeat.
func (w *watcher) poll(ctx context.Context) {
	cfg, err := w.client.Query(ctx, w.clientID)
	if err != nil {
		switch {
		case ctx.Err() != nil:
		case ferrors.Is(err, ferrors.ErrCodeNotFound), ferrors.Is(err, ferrors.ErrCodeStaleBinding):
			w.observe(nil)
		default:
			w.logger.Warn("query_failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	w.observe(cfg)
}

// observe logs when the bound configuration differs from the last one seen.
func (w *watcher) observe(cfg *serviceconfig.ServiceConfig) {
	if cfg == nil {
		if w.current != "" {
			w.logger.Warn("config_unbound", map[string]interface{}{"config_id": w.current})
		}
		w.current, w.changed = "", time.Time{}
		return
	}
	if cfg.ID == w.current && cfg.ChangedTimestamp.Equal(w.changed) {
		return
	}

	w.current, w.changed = cfg.ID, cfg.ChangedTimestamp
	fields := map[string]interface{}{
		"config_id": cfg.ID,
		"name":      cfg.Name,
		"items":     len(cfg.DownloadItems),
		"changed":   cfg.ChangedTimestamp.Format(time.RFC3339),
	}
	w.logger.Info("config_received", fields)
	for _, item := range cfg.DownloadItems {
		w.logger.Debug("download_item", map[string]interface{}{"url": item.URL, "file": item.Filename()})
	}
}
