// Package modbus implements the register reader over Modbus RTU (RS485) and Modbus TCP.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"modbus_logger/internal/logging"
	"modbus_logger/internal/types"
)

var (
	// ErrConnect is returned when the channel cannot be opened. It is fatal at startup.
	ErrConnect = errors.New("modbus connect failed")
	// ErrRead covers every read-time failure: timeout, exception response, malformed frame, I/O.
	ErrRead = errors.New("modbus read failed")
)

// Transport names one of the two supported link types.
type Transport string

const (
	TransportRTU Transport = "rtu"
	TransportTCP Transport = "tcp"
)

const (
	// DefaultTimeout bounds every serial/TCP read and write.
	DefaultTimeout = time.Second
	// MaxReadCount is the protocol limit for one "read input registers" request.
	MaxReadCount = 125
)

// RTUConfig holds the serial line parameters.
type RTUConfig struct {
	Port     string // e.g. "/dev/ttyUSB0"
	BaudRate int    // e.g. 9600
	DataBits int    // default 8
	Parity   string // "E" (default), "N" or "O"
	StopBits int    // default 1
	SlaveID  byte
	Timeout  time.Duration
}

// TCPConfig holds the Modbus TCP endpoint.
type TCPConfig struct {
	Host    string
	Port    int // default 502
	UnitID  byte
	Timeout time.Duration
}

// connector is implemented by both goburrow handlers.
type connector interface {
	Connect() error
	Close() error
}

// Client is a register reader bound to exactly one transport for its whole lifetime.
type Client struct {
	transport Transport
	conn      connector
	client    modbus.Client
	desc      string
	logger    zerolog.Logger
}

// NewRTUClient opens the serial line and returns a reader for the given slave.
func NewRTUClient(cfg RTUConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: serial port not configured", ErrConnect)
	}
	parity, err := parseParity(cfg.Parity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = orDefault(cfg.DataBits, 8)
	handler.StopBits = orDefault(cfg.StopBits, 1)
	handler.Parity = parity
	handler.SlaveId = cfg.SlaveID
	handler.Timeout = timeoutOrDefault(cfg.Timeout)
	if logger.GetLevel() <= zerolog.DebugLevel {
		handler.Logger = logging.StdLogger(logger, "rtu: ")
	}

	desc := fmt.Sprintf("rtu:%s@%d slave=%d", cfg.Port, cfg.BaudRate, cfg.SlaveID)
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, desc, err)
	}

	return &Client{
		transport: TransportRTU,
		conn:      handler,
		client:    modbus.NewClient(handler),
		desc:      desc,
		logger:    logger,
	}, nil
}

// NewTCPClient dials host:port and returns a reader for the given unit.
func NewTCPClient(cfg TCPConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: tcp host not configured", ErrConnect)
	}
	address := net.JoinHostPort(cfg.Host, strconv.Itoa(orDefault(cfg.Port, 502)))
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = cfg.UnitID
	handler.Timeout = timeoutOrDefault(cfg.Timeout)
	if logger.GetLevel() <= zerolog.DebugLevel {
		handler.Logger = logging.StdLogger(logger, "tcp: ")
	}

	desc := fmt.Sprintf("tcp:%s unit=%d", address, cfg.UnitID)
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, desc, err)
	}

	return &Client{
		transport: TransportTCP,
		conn:      handler,
		client:    modbus.NewClient(handler),
		desc:      desc,
		logger:    logger,
	}, nil
}

// ReadInputRegisters reads count contiguous input registers starting at address.
// No retries happen here. After an I/O failure the channel is closed so the next
// call reconnects lazily.
func (c *Client) ReadInputRegisters(ctx context.Context, address, count uint16) (types.Reading, error) {
	if err := ctx.Err(); err != nil {
		return types.Reading{}, fmt.Errorf("%w: %w", ErrRead, err)
	}
	if count == 0 || count > MaxReadCount {
		return types.Reading{}, fmt.Errorf("%w: register count %d out of range 1..%d", ErrRead, count, MaxReadCount)
	}

	data, err := c.client.ReadInputRegisters(address, count)
	if err != nil {
		if cerr := c.conn.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("closing channel after failed read")
		}
		return types.Reading{}, fmt.Errorf("%w: %s input registers %d+%d: %w", ErrRead, c.desc, address, count, err)
	}

	values, err := decodeRegisters(data, count)
	if err != nil {
		return types.Reading{}, fmt.Errorf("%w: %s: %w", ErrRead, c.desc, err)
	}

	c.logger.Debug().Uint16("address", address).Interface("raw", values).Msg("input registers read")
	return types.Reading{
		Address:   address,
		RawValues: values,
		ReadAt:    time.Now(),
	}, nil
}

// Transport reports which link this client uses.
func (c *Client) Transport() Transport {
	return c.transport
}

// Describe returns a human readable endpoint description for logs.
func (c *Client) Describe() string {
	return c.desc
}

// Close releases the serial port or TCP connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// decodeRegisters turns the big-endian response payload into register words.
func decodeRegisters(data []byte, count uint16) ([]uint16, error) {
	if len(data) != int(count)*2 {
		return nil, fmt.Errorf("malformed response: got %d bytes for %d registers", len(data), count)
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return values, nil
}

// parseParity maps a configured parity to goburrow's single letter. Empty means even.
func parseParity(p string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "", "e", "even":
		return "E", nil
	case "n", "none":
		return "N", nil
	case "o", "odd":
		return "O", nil
	default:
		return "", fmt.Errorf("unknown parity %q (want E, N or O)", p)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
