// Package cohort loads the calls awaiting their first routing attempt.
package cohort

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

var (
	ErrMissingColumn = errors.New("missing required column")
	ErrBadTimestamp  = errors.New("unparseable timestamp")
	ErrBadFlag       = errors.New("unparseable flag")
	ErrDuplicateCall = errors.New("duplicate call key")
	ErrEmptyCallKey  = errors.New("empty call key")
)

// ParseError reports the line of a bad cohort row.
type ParseError struct {
	Line   int
	Record []string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var required = []string{"call_key", "caller_npanxx", "caller_state_abbrev", "caller_time_zone", "caller_is_cell_phone"}

// arrival column, in order of preference
var arrivalColumns = []string{"arrived_datetime_est", "initiated_datetime_est"}

var layouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// LoadFile opens path and parses it with Load.
func LoadFile(path string, loc *time.Location) ([]types.InitialCall, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open active calls: %w", err)
	}
	defer f.Close()

	calls, err := Load(f, loc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return calls, nil
}

// Load parses a CSV of active calls. Arrival timestamps are wall-clock
// times in loc; RFC 3339 values keep their own offset.
func Load(r io.Reader, loc *time.Location) ([]types.InitialCall, error) {
	if loc == nil {
		loc = time.UTC
	}
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range required {
		if _, ok := idx[c]; !ok {
			return nil, &ParseError{Line: 1, Record: header, Err: fmt.Errorf("%w: %s", ErrMissingColumn, c)}
		}
	}
	arrival := -1
	for _, c := range arrivalColumns {
		if i, ok := idx[c]; ok {
			arrival = i
			break
		}
	}
	if arrival < 0 {
		return nil, &ParseError{Line: 1, Record: header, Err: fmt.Errorf("%w: %s", ErrMissingColumn, arrivalColumns[0])}
	}

	var calls []types.InitialCall
	seen := make(map[types.CallID]bool)
	lineNum := 1
	for {
		record, err := reader.Read()
		lineNum++
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV at line %d: %w", lineNum, err)
		}

		c, err := parseCall(record, idx, arrival, loc)
		if err != nil {
			return nil, &ParseError{Line: lineNum, Record: record, Err: err}
		}
		if seen[c.CallID] {
			return nil, &ParseError{Line: lineNum, Record: record, Err: ErrDuplicateCall}
		}
		seen[c.CallID] = true
		calls = append(calls, c)
	}
	return calls, nil
}

func parseCall(record []string, idx map[string]int, arrival int, loc *time.Location) (types.InitialCall, error) {
	field := func(name string) string { return strings.TrimSpace(record[idx[name]]) }

	id := field("call_key")
	if id == "" {
		return types.InitialCall{}, ErrEmptyCallKey
	}
	at, err := parseTime(strings.TrimSpace(record[arrival]), loc)
	if err != nil {
		return types.InitialCall{}, err
	}
	cell, err := parseFlag(field("caller_is_cell_phone"))
	if err != nil {
		return types.InitialCall{}, err
	}

	return types.InitialCall{
		CallID:            types.CallID(id),
		ExchangeCode:      types.ExchangeCode(field("caller_npanxx")),
		ArrivedAt:         at,
		CallerState:       field("caller_state_abbrev"),
		CallerTimeZone:    field("caller_time_zone"),
		CallerIsCellPhone: cell,
	}, nil
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// parseFlag accepts 0/1, true/false and the float forms 0.0/1.0. Empty is
// false.
func parseFlag(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f != 0, nil
	}
	return false, fmt.Errorf("%w: %q", ErrBadFlag, s)
}
