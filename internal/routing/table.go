// Package routing loads and validates the exchange-code routing table.
//
// The table is a CSV keyed by npanxx with four candidate slots, each a
// (center{i}id, center{i}termination, center{i}role) column triple. Absent
// slots use an explicit marker (empty, NULL, None, NA, nan), never a numeric
// placeholder. A table that fails validation is never handed to the
// simulator.
package routing

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

const exchangeColumn = "npanxx"

// Table maps exchange codes to their ordered candidate slots.
type Table struct {
	rows  map[types.ExchangeCode][types.MaxCandidates]types.RoutingCandidate
	codes []types.ExchangeCode
}

// LoadFile opens path and parses it with Load.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open routing table: %w", err)
	}
	defer f.Close()

	t, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Load parses and validates a routing table.
func Load(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyTable
	}
	if err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	cols, err := resolveColumns(header)
	if err != nil {
		return nil, &ParseError{Line: 1, Record: header, Err: err}
	}

	t := &Table{rows: make(map[types.ExchangeCode][types.MaxCandidates]types.RoutingCandidate)}
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
		if len(record) != len(header) {
			return nil, &ParseError{Line: lineNum, Record: record, Err: ErrFieldCount}
		}

		code, slots, err := parseRow(record, cols)
		if err != nil {
			return nil, &ParseError{Line: lineNum, Record: record, Err: err}
		}
		if _, dup := t.rows[code]; dup {
			return nil, &ParseError{Line: lineNum, Record: record, Err: ErrDuplicateExchange}
		}
		t.rows[code] = slots
		t.codes = append(t.codes, code)
	}

	if len(t.rows) == 0 {
		return nil, ErrEmptyTable
	}
	return t, nil
}

// Candidate returns the slot for a 0-indexed attempt. The second result is
// false when the exchange is unknown, the attempt is past the last slot, or
// the slot is absent: in every such case the call goes to the backup network.
func (t *Table) Candidate(code types.ExchangeCode, attempt int) (types.RoutingCandidate, bool) {
	if attempt < 0 || attempt >= types.MaxCandidates {
		return types.RoutingCandidate{}, false
	}
	slots, ok := t.rows[code]
	if !ok {
		return types.RoutingCandidate{}, false
	}
	c := slots[attempt]
	if c.IsZero() {
		return types.RoutingCandidate{}, false
	}
	return c, true
}

// Has reports whether the exchange code has a row.
func (t *Table) Has(code types.ExchangeCode) bool {
	_, ok := t.rows[code]
	return ok
}

// Codes returns the exchange codes in file order.
func (t *Table) Codes() []types.ExchangeCode {
	out := make([]types.ExchangeCode, len(t.codes))
	copy(out, t.codes)
	return out
}

// Len returns the number of exchange codes.
func (t *Table) Len() int {
	return len(t.rows)
}

// Centers returns every distinct (center, termination) pair referenced by the
// table, sorted.
func (t *Table) Centers() []types.CenterPair {
	seen := make(map[types.CenterPair]struct{})
	for _, slots := range t.rows {
		for _, c := range slots {
			if !c.IsZero() {
				seen[c.CenterPair] = struct{}{}
			}
		}
	}
	out := make([]types.CenterPair, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Center != out[j].Center {
			return out[i].Center < out[j].Center
		}
		return out[i].Termination < out[j].Termination
	})
	return out
}

// ============================================================================
// parsing helpers
// ============================================================================

type slotColumns struct {
	id, termination, role int
}

type columns struct {
	exchange int
	slots    [types.MaxCandidates]slotColumns
}

func resolveColumns(header []string) (columns, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var cols columns
	var ok bool
	if cols.exchange, ok = index[exchangeColumn]; !ok {
		return cols, fmt.Errorf("%w: %s", ErrMissingColumn, exchangeColumn)
	}

	// A fifth slot is as malformed as a missing fourth one.
	if _, extra := index[fmt.Sprintf("center%did", types.MaxCandidates+1)]; extra {
		return cols, ErrSlotCount
	}

	for i := 0; i < types.MaxCandidates; i++ {
		n := i + 1
		names := [3]string{
			fmt.Sprintf("center%did", n),
			fmt.Sprintf("center%dtermination", n),
			fmt.Sprintf("center%drole", n),
		}
		var pos [3]int
		for j, name := range names {
			p, ok := index[name]
			if !ok {
				return cols, fmt.Errorf("%w: %s", ErrSlotCount, name)
			}
			pos[j] = p
		}
		cols.slots[i] = slotColumns{id: pos[0], termination: pos[1], role: pos[2]}
	}
	return cols, nil
}

func parseRow(record []string, cols columns) (types.ExchangeCode, [types.MaxCandidates]types.RoutingCandidate, error) {
	var slots [types.MaxCandidates]types.RoutingCandidate

	raw := strings.TrimSpace(record[cols.exchange])
	if isAbsent(raw) {
		return "", slots, ErrEmptyExchange
	}
	code, err := canonicalNumber(raw)
	if err != nil {
		return "", slots, fmt.Errorf("%w: %q", ErrInvalidExchange, raw)
	}

	seen := make(map[string]int, types.MaxCandidates)
	sawAbsent := false
	for i, sc := range cols.slots {
		id := normalize(record[sc.id])
		term := normalize(record[sc.termination])
		role := normalize(record[sc.role])

		if id == "" {
			if term != "" || role != "" {
				return "", slots, fmt.Errorf("%w: slot %d has no center but carries termination or role", ErrInconsistentSlot, i+1)
			}
			if i == 0 {
				return "", slots, ErrEmptyFirstSlot
			}
			sawAbsent = true
			continue
		}
		if sawAbsent {
			return "", slots, fmt.Errorf("%w: slot %d", ErrGapInCandidates, i+1)
		}
		if term == "" {
			return "", slots, fmt.Errorf("%w: slot %d has a center but no termination", ErrInconsistentSlot, i+1)
		}
		if prev, dup := seen[id]; dup {
			return "", slots, fmt.Errorf("%w: center %s in slots %d and %d", ErrDuplicateCenter, id, prev, i+1)
		}
		seen[id] = i + 1

		slots[i] = types.RoutingCandidate{
			CenterPair: types.CenterPair{Center: id, Termination: term},
			Role:       role,
		}
	}
	return types.ExchangeCode(code), slots, nil
}

func isAbsent(v string) bool {
	switch strings.ToLower(v) {
	case "", "null", "none", "na", "nan":
		return true
	}
	return false
}

// normalize trims a cell, maps absent markers to "" and renders integral
// floats ("12.0") as integers so identifiers exported through dataframes
// compare equal to their integer form.
func normalize(v string) string {
	v = strings.TrimSpace(v)
	if isAbsent(v) {
		return ""
	}
	if n, err := canonicalNumber(v); err == nil {
		return n
	}
	return v
}

func canonicalNumber(v string) (string, error) {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return "", err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("not an integer: %s", v)
	}
	return strconv.FormatInt(int64(f), 10), nil
}
