package modbus

import (
	"fmt"

	"github.com/rs/zerolog"

	"modbus_logger/internal/config"
)

// Open builds the reader for the transport named in the configuration.
// The choice is made once; there is no switch-over at runtime.
func Open(cfg config.ModbusConfig, logger zerolog.Logger) (*Client, error) {
	switch Transport(cfg.Transport) {
	case TransportRTU:
		return NewRTUClient(RTUConfig{
			Port:     cfg.RTU.Port,
			BaudRate: cfg.RTU.BaudRate,
			DataBits: cfg.RTU.DataBits,
			Parity:   cfg.RTU.Parity,
			StopBits: cfg.RTU.StopBits,
			SlaveID:  cfg.RTU.SlaveID,
			Timeout:  cfg.Timeout,
		}, logger)
	case TransportTCP:
		return NewTCPClient(TCPConfig{
			Host:    cfg.TCP.Host,
			Port:    cfg.TCP.Port,
			UnitID:  cfg.TCP.UnitID,
			Timeout: cfg.Timeout,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrConnect, cfg.Transport)
	}
}
