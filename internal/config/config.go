package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MBLOG_POLL_THRESHOLD.
const EnvPrefix = "MBLOG"

// DefaultEnvPath is the .env file read on every start unless MODBUS_LOGGER_ENV_PATH says otherwise.
const DefaultEnvPath = "/etc/modbus_logger/logger.env"

// RTUConfig defines the Modbus RTU (RS485) connection parameters
type RTUConfig struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	Parity   string `mapstructure:"parity"`
	StopBits int    `mapstructure:"stop_bits"`
	SlaveID  uint8  `mapstructure:"slave_id"`
}

// TCPConfig defines the Modbus TCP connection parameters
type TCPConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	UnitID uint8  `mapstructure:"unit_id"`
}

// ModbusConfig selects exactly one transport. It is fixed for the process lifetime.
type ModbusConfig struct {
	Transport string        `mapstructure:"transport"`
	RTU       RTUConfig     `mapstructure:"rtu"`
	TCP       TCPConfig     `mapstructure:"tcp"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// PollConfig holds the polling constants handed to the poll loop.
type PollConfig struct {
	Address       uint16        `mapstructure:"address"`
	Count         uint16        `mapstructure:"count"`
	Scale         float32       `mapstructure:"scale"`
	Threshold     float32       `mapstructure:"threshold"`
	Interval      time.Duration `mapstructure:"interval"`
	FailurePolicy string        `mapstructure:"failure_policy"`
}

// LogConfig points at the durable CSV log.
type LogConfig struct {
	Path         string `mapstructure:"path"`
	ResetOnStart bool   `mapstructure:"reset_on_start"`
}

// AlertConfig configures the outbound mail relay.
type AlertConfig struct {
	SMTPHost string        `mapstructure:"smtp_host"`
	SMTPPort int           `mapstructure:"smtp_port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	To       string        `mapstructure:"to"`
	Subject  string        `mapstructure:"subject"`
	TLS      string        `mapstructure:"tls"`
	Mode     string        `mapstructure:"mode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HTTPConfig configures the log readback server.
type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// TelemetryConfig defines the optional ThingsBoard MQTT mirror.
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Broker      string        `mapstructure:"broker"`
	AccessToken string        `mapstructure:"access_token"`
	Topic       string        `mapstructure:"topic"`
	ClientID    string        `mapstructure:"client_id"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// AppConfig is the top-level configuration structure
type AppConfig struct {
	Modbus    ModbusConfig    `mapstructure:"modbus"`
	Poll      PollConfig      `mapstructure:"poll"`
	Log       LogConfig       `mapstructure:"log"`
	Alert     AlertConfig     `mapstructure:"alert"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("modbus.transport", "rtu")
	v.SetDefault("modbus.rtu.port", "/dev/ttyUSB0")
	v.SetDefault("modbus.rtu.baud_rate", 9600)
	v.SetDefault("modbus.rtu.data_bits", 8)
	v.SetDefault("modbus.rtu.parity", "E")
	v.SetDefault("modbus.rtu.stop_bits", 1)
	v.SetDefault("modbus.rtu.slave_id", 1)
	v.SetDefault("modbus.tcp.host", "192.168.1.100")
	v.SetDefault("modbus.tcp.port", 502)
	v.SetDefault("modbus.tcp.unit_id", 1)
	v.SetDefault("modbus.timeout", time.Second)

	v.SetDefault("poll.address", 100)
	v.SetDefault("poll.count", 1)
	v.SetDefault("poll.scale", 0.1)
	v.SetDefault("poll.threshold", 75.0)
	v.SetDefault("poll.interval", 10*time.Second)
	v.SetDefault("poll.failure_policy", "continue")

	v.SetDefault("log.path", "/var/lib/modbus_logger/log.csv")
	v.SetDefault("log.reset_on_start", true)

	v.SetDefault("alert.smtp_host", "smtp.gmail.com")
	v.SetDefault("alert.smtp_port", 587)
	v.SetDefault("alert.username", "")
	v.SetDefault("alert.password", "")
	v.SetDefault("alert.from", "")
	v.SetDefault("alert.to", "")
	v.SetDefault("alert.subject", "Modbus Alert")
	v.SetDefault("alert.tls", "mandatory")
	v.SetDefault("alert.mode", "every_cycle")
	v.SetDefault("alert.timeout", 10*time.Second)

	v.SetDefault("http.listen", ":8080")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.broker", "tcp://localhost:1883")
	v.SetDefault("telemetry.access_token", "")
	v.SetDefault("telemetry.topic", "v1/devices/me/telemetry")
	v.SetDefault("telemetry.client_id", "")
	v.SetDefault("telemetry.timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// LoadAppConfig loads configuration from an optional config file (JSON, YAML or TOML)
// and overrides it with .env and process environment values.
func LoadAppConfig(configFilePath string) (*AppConfig, error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "ConfigLoader").Logger()

	v := viper.New()
	setDefaults(v)

	if configFilePath != "" {
		if _, err := os.Stat(configFilePath); err != nil {
			logger.Warn().Err(err).Str("path", configFilePath).Msg("config file not readable, using defaults and environment")
		} else {
			v.SetConfigFile(configFilePath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFilePath, err)
			}
			logger.Info().Str("path", configFilePath).Msg("loaded configuration file")
		}
	}

	envPath := DefaultEnvPath
	if p := os.Getenv("MODBUS_LOGGER_ENV_PATH"); p != "" {
		envPath = p
	}
	if err := godotenv.Load(envPath); err != nil {
		logger.Debug().Err(err).Str("path", envPath).Msg("no .env file loaded")
	} else {
		logger.Info().Str("path", envPath).Msg("loaded .env file")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error decoding configuration: %w", err)
	}
	cfg.Modbus.Transport = strings.ToLower(cfg.Modbus.Transport)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info().
		Str("transport", cfg.Modbus.Transport).
		Uint16("address", cfg.Poll.Address).
		Float32("threshold", cfg.Poll.Threshold).
		Dur("interval", cfg.Poll.Interval).
		Str("log_path", cfg.Log.Path).
		Bool("telemetry", cfg.Telemetry.Enabled).
		Msg("final configuration")

	return cfg, nil
}

// Validate rejects configurations the controller cannot start with.
func (c *AppConfig) Validate() error {
	var errs []error

	switch c.Modbus.Transport {
	case "rtu":
		if c.Modbus.RTU.Port == "" {
			errs = append(errs, errors.New("modbus.rtu.port must be set"))
		}
		switch strings.ToLower(strings.TrimSpace(c.Modbus.RTU.Parity)) {
		case "", "e", "even", "n", "none", "o", "odd":
		default:
			errs = append(errs, fmt.Errorf("unknown modbus.rtu.parity %q (want E, N or O)", c.Modbus.RTU.Parity))
		}
		if c.Modbus.RTU.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("modbus.rtu.baud_rate must be positive, got %d", c.Modbus.RTU.BaudRate))
		}
	case "tcp":
		if c.Modbus.TCP.Host == "" {
			errs = append(errs, errors.New("modbus.tcp.host must be set"))
		}
		if c.Modbus.TCP.Port <= 0 || c.Modbus.TCP.Port > 65535 {
			errs = append(errs, fmt.Errorf("modbus.tcp.port out of range: %d", c.Modbus.TCP.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown modbus transport %q (want rtu or tcp)", c.Modbus.Transport))
	}

	if c.Poll.Count == 0 || c.Poll.Count > 125 {
		errs = append(errs, fmt.Errorf("poll.count must be between 1 and 125, got %d", c.Poll.Count))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval))
	}
	switch c.Poll.FailurePolicy {
	case "continue", "abort":
	default:
		errs = append(errs, fmt.Errorf("unknown poll.failure_policy %q", c.Poll.FailurePolicy))
	}
	switch c.Alert.Mode {
	case "every_cycle", "on_rise":
	default:
		errs = append(errs, fmt.Errorf("unknown alert.mode %q", c.Alert.Mode))
	}
	switch c.Alert.TLS {
	case "", "mandatory", "opportunistic", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown alert.tls %q (want mandatory, opportunistic or none)", c.Alert.TLS))
	}
	if c.Log.Path == "" {
		errs = append(errs, errors.New("log.path must be set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
