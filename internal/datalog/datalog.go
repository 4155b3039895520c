// Package datalog implements the durable, append-only CSV measurement log.
//
// Every append opens the file, writes one line, syncs and closes it again.
// Nothing is buffered between calls, so a crash loses at most the row that
// was in flight.
package datalog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"modbus_logger/internal/types"
)

// Header is the fixed first line of every log file.
const Header = "timestamp,register,value"

const (
	dirMode  = 0o755
	fileMode = 0o644
)

var (
	// ErrInit is returned when the directory or backing file cannot be created.
	ErrInit = errors.New("datalog init failed")
	// ErrAppend is returned when a row could not be written durably.
	ErrAppend = errors.New("datalog append failed")
)

// Log is a handle on the backing CSV file. It holds no open descriptor.
type Log struct {
	path string
}

// Initialize makes sure the parent directory and the backing file exist.
// An existing file is never truncated.
func Initialize(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInit)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, fmt.Errorf("%w: create directory %s: %w", ErrInit, dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrInit, path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: close %s: %w", ErrInit, path, err)
	}
	return &Log{path: path}, nil
}

// Path returns the backing file path.
func (l *Log) Path() string {
	return l.path
}

// WriteHeader replaces the whole file with the header line. Prior rows are lost.
func (l *Log) WriteHeader(header string) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("%w: truncate %s: %w", ErrInit, l.path, err)
	}
	return writeSyncClose(f, header+"\n", ErrInit)
}

// EnsureHeader keeps an existing file if its first line already equals header.
// Otherwise the file is reset to the header. It reports whether a reset happened.
func (l *Log) EnsureHeader(header string) (bool, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return false, fmt.Errorf("%w: open %s: %w", ErrInit, l.path, err)
	}
	first, err := bufio.NewReader(f).ReadString('\n')
	f.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("%w: read %s: %w", ErrInit, l.path, err)
	}
	if strings.TrimRight(first, "\r\n") == header && strings.HasSuffix(first, "\n") {
		return false, nil
	}
	if err := l.WriteHeader(header); err != nil {
		return false, err
	}
	return true, nil
}

// Append writes exactly one row and syncs it before returning.
func (l *Log) Append(row types.LogRow) error {
	line, err := FormatRow(row)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAppend, err)
	}
	// no O_CREATE: a vanished file means the log was removed underneath us
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrAppend, l.path, err)
	}
	return writeSyncClose(f, line+"\n", ErrAppend)
}

func writeSyncClose(f *os.File, s string, sentinel error) error {
	if _, err := f.WriteString(s); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %w", sentinel, f.Name(), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync %s: %w", sentinel, f.Name(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", sentinel, f.Name(), err)
	}
	return nil
}

// FormatRow renders a row as "<timestamp>,<register>,<value>" without a newline.
// The value uses the shortest decimal that parses back to the same float32.
func FormatRow(row types.LogRow) (string, error) {
	if row.Timestamp == "" || strings.ContainsAny(row.Timestamp, ",\r\n") {
		return "", fmt.Errorf("invalid timestamp %q", row.Timestamp)
	}
	return row.Timestamp + "," +
		strconv.FormatUint(uint64(row.Register), 10) + "," +
		strconv.FormatFloat(float64(row.Value), 'f', -1, 32), nil
}

// ParseRow is the inverse of FormatRow.
func ParseRow(line string) (types.LogRow, error) {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	if len(parts) != 3 {
		return types.LogRow{}, fmt.Errorf("expected 3 fields, got %d in %q", len(parts), line)
	}
	if _, err := time.Parse(time.RFC3339, parts[0]); err != nil {
		return types.LogRow{}, fmt.Errorf("bad timestamp %q: %w", parts[0], err)
	}
	reg, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return types.LogRow{}, fmt.Errorf("bad register %q: %w", parts[1], err)
	}
	val, err := strconv.ParseFloat(parts[2], 32)
	if err != nil {
		return types.LogRow{}, fmt.Errorf("bad value %q: %w", parts[2], err)
	}
	return types.LogRow{Timestamp: parts[0], Register: uint16(reg), Value: float32(val)}, nil
}

// ReadRows parses a complete log. The header line is required and skipped.
func ReadRows(r io.Reader) ([]types.LogRow, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("empty log")
	}
	if sc.Text() != Header {
		return nil, fmt.Errorf("unexpected header %q", sc.Text())
	}

	var rows []types.LogRow
	for n := 2; sc.Scan(); n++ {
		if sc.Text() == "" {
			continue
		}
		row, err := ParseRow(sc.Text())
		if err != nil {
			return rows, fmt.Errorf("line %d: %w", n, err)
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}
