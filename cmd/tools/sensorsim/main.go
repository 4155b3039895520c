// sensorsim startet einen Modbus-TCP-Sensor mit festem oder rampenförmigem Messwert.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"modbus_logger/internal/logging"
	"modbus_logger/internal/simulator"
)

func main() {
	listen := flag.String("listen", "0.0.0.0:5020", "Listen-Adresse host:port")
	unitID := flag.Uint("unit", 1, "Unit-ID (0 = jede)")
	register := flag.Uint("register", 100, "Input-Register-Adresse")
	value := flag.Uint("value", 500, "Startwert (Rohwert)")
	step := flag.Int("step", 0, "Änderung pro Periode, 0 = fester Wert")
	ceiling := flag.Uint("max", 1000, "Obergrenze der Rampe, danach zurück auf -value")
	period := flag.Duration("period", 10*time.Second, "Periode der Rampe")
	flag.Parse()

	logger := logging.Component(logging.New("info", true), "SensorSim")

	sensor := simulator.NewSensor(uint8(*unitID))
	reg := uint16(*register)
	current := uint16(*value)
	sensor.SetInputRegister(reg, current)

	srv, err := simulator.Start(*listen, sensor)
	if err != nil {
		logger.Fatal().Err(err).Str("listen", *listen).Msg("simulator not started")
	}
	defer srv.Stop()
	logger.Info().Str("listen", srv.Addr()).Uint16("register", reg).Uint16("value", current).Msg("simulator running")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *step == 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(*period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Uint64("requests", sensor.Requests()).Msg("simulator stopped")
			return
		case <-ticker.C:
			next := int(current) + *step
			if next > int(*ceiling) || next < 0 {
				next = int(*value)
			}
			current = uint16(next)
			sensor.SetInputRegister(reg, current)
			logger.Info().Uint16("value", current).Msg("register updated")
		}
	}
}
