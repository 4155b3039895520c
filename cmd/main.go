package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"modbus_logger/internal/alert"
	"modbus_logger/internal/config"
	"modbus_logger/internal/datalog"
	"modbus_logger/internal/logging"
	"modbus_logger/internal/modbus"
	"modbus_logger/internal/poller"
	"modbus_logger/internal/readback"
	"modbus_logger/internal/telemetry"
)

// defaultConfigPath is relative to the binary's execution directory.
const defaultConfigPath = "config/logger.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the configuration file (yaml or json)")
	flag.Parse()
	if p := os.Getenv("MODBUS_LOGGER_CONFIG"); p != "" && !isFlagSet("config") {
		*configPath = p
	}

	appCfg, err := config.LoadAppConfig(*configPath)
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Str("path", *configPath).Msg("failed to load configuration")
	}

	root := logging.New(appCfg.Logging.Level, appCfg.Logging.Pretty)
	logger := logging.Component(root, "MainApp")
	logger.Info().Msg("starting modbus logger")

	if err := run(appCfg, root); err != nil {
		logger.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func run(appCfg *config.AppConfig, root zerolog.Logger) error {
	logger := logging.Component(root, "MainApp")

	store, err := datalog.Initialize(appCfg.Log.Path)
	if err != nil {
		return err
	}
	if appCfg.Log.ResetOnStart {
		if err := store.WriteHeader(datalog.Header); err != nil {
			return err
		}
		logger.Warn().Str("path", store.Path()).Msg("log reset to header")
	} else {
		reset, err := store.EnsureHeader(datalog.Header)
		if err != nil {
			return err
		}
		logger.Info().Str("path", store.Path()).Bool("reset", reset).Msg("log opened")
	}

	dispatcher, err := alert.New(alert.Config{
		Host:     appCfg.Alert.SMTPHost,
		Port:     appCfg.Alert.SMTPPort,
		Username: appCfg.Alert.Username,
		Password: appCfg.Alert.Password,
		From:     appCfg.Alert.From,
		To:       appCfg.Alert.To,
		Subject:  appCfg.Alert.Subject,
		TLS:      appCfg.Alert.TLS,
		Timeout:  appCfg.Alert.Timeout,
	}, logging.Component(root, "AlertDispatcher"))
	if err != nil {
		return err
	}

	reader, err := modbus.Open(appCfg.Modbus, logging.Component(root, "RegisterReader"))
	if err != nil {
		return err
	}
	defer reader.Close()
	logger.Info().Str("endpoint", reader.Describe()).Msg("modbus channel open")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := readback.NewHub(logging.Component(root, "WebSocketHub"))
	go hub.Run(ctx)
	observers := []poller.RowObserver{hub}

	if appCfg.Telemetry.Enabled {
		pub := telemetry.NewPublisher(telemetry.Config{
			Broker:      appCfg.Telemetry.Broker,
			AccessToken: appCfg.Telemetry.AccessToken,
			Topic:       appCfg.Telemetry.Topic,
			ClientID:    appCfg.Telemetry.ClientID,
			Timeout:     appCfg.Telemetry.Timeout,
		}, logging.Component(root, "Telemetry"))
		if err := pub.Connect(); err != nil {
			logger.Warn().Err(err).Msg("telemetry broker not reachable yet, retrying in background")
		}
		defer pub.Close()
		observers = append(observers, pub)
	}

	loop, err := poller.New(poller.Config{
		Address:       appCfg.Poll.Address,
		Count:         appCfg.Poll.Count,
		Scale:         appCfg.Poll.Scale,
		Threshold:     appCfg.Poll.Threshold,
		Interval:      appCfg.Poll.Interval,
		FailurePolicy: poller.FailurePolicy(appCfg.Poll.FailurePolicy),
		AlertMode:     poller.AlertMode(appCfg.Alert.Mode),
	}, reader, store, dispatcher, logging.Component(root, "PollLoop"), poller.WithObservers(observers...))
	if err != nil {
		return err
	}

	handler := readback.NewHandler(store.Path(), loop, hub, logging.Component(root, "Readback"))
	server := readback.NewServer(appCfg.HTTP.Listen, handler.Router(), logging.Component(root, "Readback"))
	if err := server.Start(); err != nil {
		// readback is diagnostic only; polling continues without it
		logger.Error().Err(err).Str("listen", appCfg.HTTP.Listen).Msg("readback server not started")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				logger.Warn().Err(err).Msg("readback server shutdown")
			}
		}()
	}

	return loop.Run(ctx)
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
