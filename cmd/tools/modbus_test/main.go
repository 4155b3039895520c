// Dieses Werkzeug liest einmalig Input-Register über die konfigurierte Verbindung,
// um die Verkabelung vor der Inbetriebnahme zu prüfen.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"modbus_logger/internal/config"
	"modbus_logger/internal/logging"
	"modbus_logger/internal/modbus"
	"modbus_logger/internal/types"
)

// registerReader ist die Leseoperation, die das Werkzeug benötigt.
type registerReader interface {
	ReadInputRegisters(ctx context.Context, address, count uint16) (types.Reading, error)
}

func main() {
	os.Exit(run())
}

// run gibt den Exit-Code zurück, damit alle defers vor os.Exit laufen.
func run() int {
	// Kommandozeilenparameter definieren
	configPath := flag.String("config", "config/logger.yaml", "Pfad zur Konfigurationsdatei")
	transport := flag.String("transport", "", "Transport überschreiben (rtu oder tcp)")
	address := flag.Int("address", -1, "Startadresse (Standard: poll.address)")
	count := flag.Int("count", 0, "Anzahl Register (Standard: poll.count)")
	repeat := flag.Int("repeat", 1, "Anzahl Lesevorgänge")
	verbose := flag.Bool("v", false, "Frame-Logging aktivieren")
	flag.Parse()

	appCfg, err := config.LoadAppConfig(*configPath)
	if err != nil {
		fmt.Printf("Fehler beim Laden der Konfiguration: %v\n", err)
		return 1
	}
	if *transport != "" {
		appCfg.Modbus.Transport = *transport
	}
	if *address >= 0 {
		appCfg.Poll.Address = uint16(*address)
	}
	if *count > 0 {
		appCfg.Poll.Count = uint16(*count)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.Component(logging.New(level, true), "Probe")

	client, err := modbus.Open(appCfg.Modbus, logger)
	if err != nil {
		fmt.Printf("Verbindung fehlgeschlagen: %v\n", err)
		return 1
	}
	defer client.Close()
	fmt.Printf("Verbunden: %s\n", client.Describe())

	failed := readRepeatedly(context.Background(), client, appCfg.Poll, *repeat, appCfg.Modbus.Timeout, os.Stdout)
	if failed > 0 {
		fmt.Printf("%d von %d Lesevorgängen fehlgeschlagen\n", failed, *repeat)
		return 2
	}
	return 0
}

// readRepeatedly liest repeat-mal und gibt die Anzahl fehlgeschlagener Lesevorgänge zurück.
func readRepeatedly(ctx context.Context, r registerReader, poll config.PollConfig, repeat int, pause time.Duration, out io.Writer) int {
	failed := 0
	for i := 0; i < repeat; i++ {
		if i > 0 {
			time.Sleep(pause)
		}
		readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		reading, err := r.ReadInputRegisters(readCtx, poll.Address, poll.Count)
		cancel()
		if err == nil {
			reading, err = reading.Scaled(poll.Scale)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "[%d] Lesefehler: %v\n", i+1, err)
			continue
		}
		fmt.Fprintf(out, "[%d] Register %d: roh=%v skaliert=%.2f (Schwelle %.2f, Alarm=%t)\n",
			i+1, reading.Address, reading.RawValues, reading.ScaledValue,
			poll.Threshold, reading.ScaledValue > poll.Threshold)
	}
	return failed
}
