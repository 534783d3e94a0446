package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Human-readable identifier prefixes.
const (
	PatientPrefix     = "P"
	AppointmentPrefix = "A"
)

// maxCodeSeq is the last sequence number that fits the six digit suffix.
const maxCodeSeq = 999999

// ErrCodesExhausted is returned when a year has used every identifier.
var ErrCodesExhausted = errors.New("identifier sequence exhausted")

var codePattern = regexp.MustCompile(`^([A-Z])-(\d{4})-(\d{6})$`)

// FormatCode renders an identifier such as A-2025-000042.
func FormatCode(prefix string, year, seq int) string {
	return fmt.Sprintf("%s-%04d-%06d", prefix, year, seq)
}

// ParseCode splits an identifier produced by FormatCode.
func ParseCode(code string) (prefix string, year, seq int, err error) {
	m := codePattern.FindStringSubmatch(strings.TrimSpace(code))
	if m == nil {
		return "", 0, 0, fmt.Errorf("malformed code %q", code)
	}
	year, _ = strconv.Atoi(m[2])
	seq, _ = strconv.Atoi(m[3])
	return m[1], year, seq, nil
}

// nextCode finds the highest code of the year in table.column and returns
// the following one. It must run inside the transaction that inserts the row.
func nextCode(ctx context.Context, tx *sql.Tx, table, column, prefix string, year int) (string, error) {
	like := fmt.Sprintf("%s-%04d-%%", prefix, year)
	// table and column are package constants, never user input
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s LIKE ? ORDER BY %s DESC LIMIT 1`, column, table, column, column)

	var last string
	err := tx.QueryRowContext(ctx, q, like).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return FormatCode(prefix, year, 1), nil
	}
	if err != nil {
		return "", fmt.Errorf("find last %s: %w", column, err)
	}
	_, _, seq, err := ParseCode(last)
	if err != nil {
		return "", err
	}
	if seq >= maxCodeSeq {
		return "", fmt.Errorf("%w: %s-%04d", ErrCodesExhausted, prefix, year)
	}
	return FormatCode(prefix, year, seq+1), nil
}
