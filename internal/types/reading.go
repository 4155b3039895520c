// Package types enthält zentrale Datentypen, die von verschiedenen Paketen verwendet werden.
package types

import (
	"errors"
	"time"
)

// Reading ist das Ergebnis einer einzelnen Registerabfrage.
type Reading struct {
	// Address ist die Startadresse der gelesenen Register
	Address uint16

	// RawValues enthält die Registerwörter, Länge = angefragte Anzahl
	RawValues []uint16

	// ScaledValue ist RawValues[0] * Skalierungsfaktor
	ScaledValue float32

	// ReadAt ist der Zeitpunkt der Abfrage
	ReadAt time.Time
}

// Scaled gibt eine Kopie des Readings mit berechnetem ScaledValue zurück.
// Die Multiplikation erfolgt in float32 ohne weitere Rundung.
func (r Reading) Scaled(scale float32) (Reading, error) {
	if len(r.RawValues) == 0 {
		return r, errors.New("reading enthält keine Registerwerte")
	}
	r.ScaledValue = ScaleRaw(r.RawValues[0], scale)
	return r, nil
}

// ScaleRaw wandelt einen Rohwert in einen Messwert um.
func ScaleRaw(raw uint16, scale float32) float32 {
	return float32(raw) * scale
}

// LogRow ist ein dauerhaft gespeicherter Datensatz im Messwert-Log.
type LogRow struct {
	Timestamp string  `json:"timestamp"`
	Register  uint16  `json:"register"`
	Value     float32 `json:"value"`
}

// AlertEvent existiert nur für die Dauer eines Versands und wird nicht gespeichert.
type AlertEvent struct {
	ID             string    `json:"id"`
	Message        string    `json:"message"`
	TriggeredValue float32   `json:"triggered_value"`
	Threshold      float32   `json:"threshold"`
	At             time.Time `json:"at"`
}
