package rules

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	logx "reminderd/pkg/logx"
)

const (
	exportCategory = "reminders"
	exportKey      = "data"
)

// ErrNoReminderRow is returned by ImportRows when the input has no
// reminders/data row.
var ErrNoReminderRow = errors.New("no reminders row in import")

var exportHeader = []string{"Category", "Key", "Value"}

// ExportRow renders st as the reminders row of the data export.
func ExportRow(st State) ([]string, error) {
	b, err := Encode(st)
	if err != nil {
		return nil, err
	}
	return []string{exportCategory, exportKey, string(b)}, nil
}

// WriteCSV writes a header and the reminders row.
func WriteCSV(w io.Writer, st State) error {
	row, err := ExportRow(st)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// legacy exports wrap every field in quotes without escaping the value.
var legacyRow = regexp.MustCompile(`^"([^"]*?)","([^"]*?)","(.*)"$`)

// ReadCSV parses an export. Well-formed CSV is read with encoding/csv; files
// written by older exporters (unescaped JSON inside quotes) fall back to a
// per-line parse.
func ReadCSV(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err == nil {
		return rows, nil
	}

	var out [][]string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m := legacyRow.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, []string{m[1], m[2], m[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return out, nil
}

// ImportRows finds the reminders row and decodes it. Rows of other
// categories are ignored. A malformed document is an error here, not a
// fallback to defaults.
func ImportRows(rows [][]string, log logx.Logger) (State, error) {
	for _, row := range rows {
		if len(row) < 3 || row[0] != exportCategory || row[1] != exportKey {
			continue
		}
		st, err := Decode([]byte(row[2]), log)
		if err != nil {
			return State{}, err
		}
		return st, nil
	}
	return State{}, ErrNoReminderRow
}
