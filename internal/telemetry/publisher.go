// Package telemetry spiegelt jede geloggte Messzeile an einen MQTT-Broker (ThingsBoard Device API).
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"modbus_logger/internal/types"
)

// DefaultTopic ist das ThingsBoard-Telemetrie-Topic.
const DefaultTopic = "v1/devices/me/telemetry"

// ErrNotConnected wird zurückgegeben, solange keine Broker-Verbindung besteht.
var ErrNotConnected = errors.New("telemetry: nicht verbunden")

// Config beschreibt die Broker-Verbindung.
type Config struct {
	Broker      string // z.B. tcp://thingsboard.local:1883
	AccessToken string // ThingsBoard verwendet den AccessToken als Benutzernamen
	Topic       string
	ClientID    string
	Timeout     time.Duration
}

// Publisher sendet Zeilen mit QoS 1. Fehler sind nie fatal für den Poll-Zyklus.
type Publisher struct {
	cfg    Config
	client mqtt.Client
	logger zerolog.Logger
}

// NewPublisher baut den MQTT-Client, verbindet aber noch nicht.
func NewPublisher(cfg Config, logger zerolog.Logger) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("modbus-logger-%d", time.Now().UnixNano())
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.AccessToken)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWriteTimeout(cfg.Timeout)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info().Str("broker", cfg.Broker).Str("client_id", cfg.ClientID).Msg("telemetry broker connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("telemetry broker connection lost")
	}
	opts.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Debug().Msg("telemetry broker reconnecting")
	}

	return newPublisher(cfg, mqtt.NewClient(opts), logger)
}

func newPublisher(cfg Config, client mqtt.Client, logger zerolog.Logger) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Publisher{cfg: cfg, client: client, logger: logger}
}

// Connect wartet höchstens Timeout auf die erste Verbindung.
// Danach übernimmt Auto-Reconnect im Hintergrund.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("verbindung zu %s: timeout nach %s", p.cfg.Broker, p.cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("verbindung zu %s: %w", p.cfg.Broker, err)
	}
	return nil
}

// IsConnected prüft, ob der Client verbunden ist.
func (p *Publisher) IsConnected() bool {
	return p.client != nil && p.client.IsConnected()
}

// ObserveRow veröffentlicht eine Zeile als ThingsBoard-Telemetrie.
func (p *Publisher) ObserveRow(ctx context.Context, row types.LogRow) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	payload, err := Payload(row)
	if err != nil {
		return err
	}

	token := p.client.Publish(p.cfg.Topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-time.After(p.cfg.Timeout):
		return fmt.Errorf("telemetrie an %s: timeout nach %s", p.cfg.Topic, p.cfg.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetrie-senden fehlgeschlagen: %w", err)
	}
	return nil
}

// Close trennt die Verbindung.
func (p *Publisher) Close() {
	if p.IsConnected() {
		p.client.Disconnect(250)
	}
}

type telemetryMessage struct {
	TS     int64              `json:"ts"`
	Values map[string]float32 `json:"values"`
}

// Payload baut {"ts":<unix ms>,"values":{"register_<addr>":<wert>}}.
func Payload(row types.LogRow) ([]byte, error) {
	ts, err := time.Parse(time.RFC3339, row.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("ungültiger Zeitstempel %q: %w", row.Timestamp, err)
	}
	return json.Marshal(telemetryMessage{
		TS:     ts.UnixMilli(),
		Values: map[string]float32{"register_" + strconv.Itoa(int(row.Register)): row.Value},
	})
}
