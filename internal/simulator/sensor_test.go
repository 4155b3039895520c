package simulator

import (
	"testing"
	"time"

	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensorHandleInputRegisters(t *testing.T) {
	s := NewSensor(1)
	s.SetInputRegister(100, 1000)
	s.SetInputRegister(101, 42)

	res, err := s.HandleInputRegisters(&modbus.InputRegistersRequest{UnitId: 1, Addr: 100, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1000, 42}, res)
	assert.Equal(t, uint64(1), s.Requests())

	_, err = s.HandleInputRegisters(&modbus.InputRegistersRequest{UnitId: 1, Addr: 100, Quantity: 3})
	assert.ErrorIs(t, err, modbus.ErrIllegalDataAddress)

	_, err = s.HandleInputRegisters(&modbus.InputRegistersRequest{UnitId: 7, Addr: 100, Quantity: 1})
	assert.ErrorIs(t, err, modbus.ErrGWTargetFailedToRespond)

	_, err = s.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{UnitId: 1, Addr: 100, Quantity: 1})
	assert.ErrorIs(t, err, modbus.ErrIllegalFunction)
}

func TestServerRoundTrip(t *testing.T) {
	s := NewSensor(0)
	s.SetInputRegister(100, 500)

	srv, err := StartLocal(s)
	require.NoError(t, err)
	defer srv.Stop()

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     "tcp://" + srv.Addr(),
		Timeout: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, client.Open())
	defer client.Close()

	v, err := client.ReadRegister(100, modbus.INPUT_REGISTER)
	require.NoError(t, err)
	assert.Equal(t, uint16(500), v)
}
