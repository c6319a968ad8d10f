package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sweeney/humidistat/internal/config"
	"github.com/sweeney/humidistat/internal/database"
	"github.com/sweeney/humidistat/internal/dispatch"
	"github.com/sweeney/humidistat/internal/engine"
	"github.com/sweeney/humidistat/internal/forward"
	"github.com/sweeney/humidistat/internal/gpio"
	"github.com/sweeney/humidistat/internal/metrics"
	"github.com/sweeney/humidistat/internal/mqtt"
	"github.com/sweeney/humidistat/internal/scheduler"
	"github.com/sweeney/humidistat/internal/status"
	"github.com/sweeney/humidistat/internal/store"
	"github.com/sweeney/humidistat/internal/web"
)

const shutdownTimeout = 5 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control loop and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd)
		},
	}
}

func (c *cli) runServe(cmd *cobra.Command) error {
	cfg, log := c.cfg, c.log

	db, err := c.openDB()
	if err != nil {
		return err
	}
	defer database.Close(db)

	readings := store.NewReadings(db, store.WithLogger(log.WithField("component", "store")))
	schedules := store.NewSchedules(db)
	states := store.NewStates(db)

	dispatcher, closeActuators, err := buildDispatcher(cfg, openRelay)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeActuators(); err != nil {
			log.WithError(err).Warn("Failed to release actuators")
		}
	}()

	publisher := buildPublisher(cfg, log)
	defer publisher.Close()

	tracker := status.NewTracker(time.Now(), statusConfig(cfg))
	recorder := metrics.New()

	eng := newEngine(cfg, readings, schedules, states, dispatcher, log)
	eng.SetNotifier(publisher)

	driver := scheduler.New(eng, log,
		scheduler.WithRunOnStart(cfg.Control.RunOnStart),
		scheduler.WithReportHandler(func(rep engine.Report) {
			recorder.ObserveCycle(rep)
			tracker.RecordCycle(rep)
			tracker.SetMQTTConnected(publisher.IsConnected())
		}),
		scheduler.WithSkipHandler(func() {
			recorder.TickSkipped()
			tracker.RecordSkip()
		}),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	snap := tracker.Snapshot()
	startup := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      mqtt.EventStartup,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, mqtt.EventStartup, ""),
	}
	if err := publisher.PublishSystem(startup); err != nil {
		log.WithError(err).Warn("Failed to publish startup event")
	}

	if cfg.HTTP.Addr != "" {
		api := web.API{
			Readings:     readings,
			Schedules:    schedules,
			States:       states,
			TriggerCycle: func() bool { return driver.Trigger(ctx) },
			Health:       func(ctx context.Context) error { return database.Ping(ctx, db) },
			Metrics:      recorder,
			Log:          log.WithField("component", "http"),
			AccessLog:    log.WriterLevel(logrus.DebugLevel),
		}
		if fwd := buildForwarder(cfg, log); fwd != nil {
			api.Forwarder = fwd
			defer fwd.Wait()
		}
		srv := web.New(cfg.HTTP.Addr, tracker, api)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("HTTP server failed")
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			srv.Shutdown(sctx)
		}()
		log.WithField("addr", cfg.HTTP.Addr).Info("HTTP server listening")
	}

	log.WithFields(logrus.Fields{
		"interval":  cfg.Control.Interval,
		"freshness": cfg.Control.Freshness,
		"timezone":  cfg.Control.Timezone,
		"actuator":  cfg.Actuator.URL,
		"broker":    cfg.MQTT.Broker,
		"forward":   cfg.Ingest.ForwardURL,
	}).Info("Started")

	ticker := time.NewTicker(cfg.Control.Interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return runLoop(ctx, driver, publisher, publisher, tracker, log, time.Now, ticker.C, sigCh)
}

// runLoop drives cycles from tick until a signal arrives or ctx ends, then
// waits for the in-flight cycle and publishes a retained SHUTDOWN event.
func runLoop(ctx context.Context, driver *scheduler.Driver, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus,
	tracker *status.Tracker, log logrus.FieldLogger, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		driver.Run(ctx, tick)
	}()

	var reason string
	select {
	case s := <-sig:
		reason = signalName(s)
		log.WithField("signal", reason).Info("Shutting down")
	case <-ctx.Done():
		reason = "CONTEXT_DONE"
		log.Info("Context cancelled, shutting down")
	}
	cancel()
	<-done

	event := mqtt.SystemEvent{
		Timestamp: now(),
		Event:     mqtt.EventShutdown,
		Reason:    reason,
		Retained:  true,
	}
	if tracker != nil {
		if mqttStatus != nil {
			tracker.SetMQTTConnected(mqttStatus.IsConnected())
		}
		event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), mqtt.EventShutdown, reason)
	}
	if err := publisher.PublishSystem(event); err != nil {
		log.WithError(err).Warn("Failed to publish shutdown event")
	} else {
		log.Info("Published shutdown event")
	}
	return nil
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

func newEngine(cfg *config.Config, readings engine.ReadingSource, schedules engine.ScheduleSource,
	states engine.StateStore, dispatcher dispatch.Dispatcher, log logrus.FieldLogger) *engine.Engine {
	return engine.New(engine.Config{
		Freshness:   cfg.Control.Freshness,
		Location:    cfg.Location(),
		Zones:       cfg.Control.Zones,
		MaxParallel: cfg.Control.MaxParallel,
	}, readings, schedules, states, dispatcher, log)
}

// relayOpener opens the relay on pin of chip.
type relayOpener func(chip string, pin int, activeLow bool) (gpio.Relay, error)

func openRelay(chip string, pin int, activeLow bool) (gpio.Relay, error) {
	r, err := gpio.NewRealRelay(chip, pin, activeLow)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// buildDispatcher routes zones with a GPIO pin to local relays, zones with a
// URL override to their own HTTP actuator and everything else to the default
// HTTP actuator. The returned func releases the relays.
func buildDispatcher(cfg *config.Config, open relayOpener) (dispatch.Dispatcher, func() error, error) {
	httpOpts := []dispatch.HTTPOption{
		dispatch.WithMethod(cfg.Actuator.Method),
		dispatch.WithTimeout(cfg.Actuator.Timeout),
	}
	def, err := dispatch.NewHTTPDispatcher(cfg.Actuator.URL, httpOpts...)
	if err != nil {
		return nil, nil, err
	}
	router := &dispatch.Router{Default: def, Zones: make(map[int]dispatch.Dispatcher)}
	for zone, tmpl := range cfg.Actuator.Zones {
		d, err := dispatch.NewHTTPDispatcher(tmpl, httpOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("actuator for zone %d: %w", zone, err)
		}
		router.Zones[zone] = d
	}

	noop := func() error { return nil }
	if len(cfg.Actuator.GPIO.Pins) == 0 {
		return router, noop, nil
	}

	relays := make(map[int]gpio.Relay)
	for _, zone := range cfg.GPIOZones() {
		pin := cfg.Actuator.GPIO.Pins[zone]
		r, err := open(cfg.Actuator.GPIO.Chip, pin, cfg.Actuator.GPIO.ActiveLow)
		if err != nil {
			gpio.NewDispatcher(relays).Close()
			return nil, nil, fmt.Errorf("open relay for zone %d on pin %d: %w", zone, pin, err)
		}
		relays[zone] = r
	}
	gd := gpio.NewDispatcher(relays)
	for _, zone := range gd.Zones() {
		router.Zones[zone] = gd
	}
	return router, gd.Close, nil
}

// buildForwarder returns nil when ingest forwarding is not configured.
func buildForwarder(cfg *config.Config, log logrus.FieldLogger) *forward.Forwarder {
	if cfg.Ingest.ForwardURL == "" {
		return nil
	}
	return forward.New(cfg.Ingest.ForwardURL, cfg.Ingest.ForwardTimeout, log.WithField("component", "forward"))
}

// notifier is what the daemon needs from an MQTT publisher.
type notifier interface {
	mqtt.Publisher
	mqtt.ConnectionStatus
}

func buildPublisher(cfg *config.Config, log logrus.FieldLogger) notifier {
	if cfg.MQTT.Broker == "" {
		log.Info("No MQTT broker configured; decisions will not be published")
		return mqtt.NopPublisher{}
	}
	return mqtt.NewRealPublisher(mqtt.Options{
		Broker:     cfg.MQTT.Broker,
		ClientID:   cfg.MQTT.ClientID,
		Username:   cfg.MQTT.Username,
		Password:   cfg.MQTT.Password,
		BufferSize: cfg.MQTT.BufferSize,
		Log:        log.WithField("component", "mqtt"),
	})
}

func statusConfig(cfg *config.Config) status.Config {
	actuator := cfg.Actuator.URL
	if zones := cfg.GPIOZones(); len(zones) > 0 {
		actuator = fmt.Sprintf("%s (gpio zones %s)", actuator, strings.Trim(fmt.Sprint(zones), "[]"))
	}
	return status.Config{
		IntervalSeconds:  int64(cfg.Control.Interval / time.Second),
		FreshnessSeconds: int64(cfg.Control.Freshness / time.Second),
		Timezone:         cfg.Control.Timezone,
		Zones:            cfg.Control.Zones,
		Broker:           cfg.MQTT.Broker,
		HTTPAddr:         cfg.HTTP.Addr,
		Actuator:         actuator,
		DBPath:           cfg.DB.Path,
	}
}
