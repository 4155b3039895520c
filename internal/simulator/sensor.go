// Package simulator stellt einen Modbus-TCP-Sensor für Prüfstand und Tests bereit.
package simulator

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/simonvetter/modbus"
)

// Sensor hält die Eingangsregister eines simulierten Feldgeräts.
// Alle anderen Registertypen werden mit "illegal function" beantwortet.
type Sensor struct {
	mu       sync.RWMutex
	input    map[uint16]uint16
	unitID   uint8
	requests atomic.Uint64
}

// NewSensor erstellt einen Sensor. unitID 0 beantwortet jede Unit-ID.
func NewSensor(unitID uint8) *Sensor {
	return &Sensor{
		input:  make(map[uint16]uint16),
		unitID: unitID,
	}
}

// SetInputRegister setzt den Wert eines Eingangsregisters
func (s *Sensor) SetInputRegister(address, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input[address] = value
}

// InputRegister gibt den aktuellen Wert eines Eingangsregisters zurück
func (s *Sensor) InputRegister(address uint16) (uint16, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.input[address]
	return v, ok
}

// Requests zählt die beantworteten Eingangsregister-Anfragen.
func (s *Sensor) Requests() uint64 {
	return s.requests.Load()
}

// HandleInputRegisters beantwortet Funktionscode 0x04.
func (s *Sensor) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	if s.unitID != 0 && req.UnitId != s.unitID {
		return nil, modbus.ErrGWTargetFailedToRespond
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]uint16, 0, req.Quantity)
	for i := uint16(0); i < req.Quantity; i++ {
		v, ok := s.input[req.Addr+i]
		if !ok {
			return nil, modbus.ErrIllegalDataAddress
		}
		res = append(res, v)
	}
	s.requests.Add(1)
	return res, nil
}

func (s *Sensor) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (s *Sensor) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (s *Sensor) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}

// Server ist ein laufender Modbus-TCP-Server für einen Sensor.
type Server struct {
	srv  *modbus.ModbusServer
	addr string
}

// Start startet den Server auf listen (host:port).
func Start(listen string, sensor *Sensor) (*Server, error) {
	srv, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        "tcp://" + listen,
		Timeout:    30 * time.Second,
		MaxClients: 4,
	}, sensor)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return &Server{srv: srv, addr: listen}, nil
}

// StartLocal startet den Server auf einem freien Port von 127.0.0.1.
func StartLocal(sensor *Sensor) (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		return nil, err
	}
	return Start(addr, sensor)
}

// Addr gibt die Adresse zurück, auf der der Server lauscht.
func (s *Server) Addr() string {
	return s.addr
}

// Stop beendet den Server und trennt alle Clients.
func (s *Server) Stop() error {
	return s.srv.Stop()
}
