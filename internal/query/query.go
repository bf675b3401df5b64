// Package query implements the index-backed query engine used by the
// query API endpoint: structured parameters are parsed from a request's
// query string and evaluated as a merge join over store index cursors.
package query

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"locomote/internal/store"
)

// Join mode for multi-term queries.
const (
	JoinAnd = "and"
	JoinOr  = "or"
)

// Format of a query result.
type Format string

const (
	// FormatKeys returns the matching record paths.
	FormatKeys Format = "keys"
	// FormatRecords returns the matching records as a list. This is the
	// default.
	FormatRecords Format = "records"
	// FormatLookup returns the matching records keyed by path.
	FormatLookup Format = "lookup"
)

var (
	// ErrBadJoin is returned for a $join value other than "and" or "or".
	ErrBadJoin = errors.New("query: $join must be \"and\" or \"or\"")
	// ErrBadFormat is returned for an unrecognized $format value.
	ErrBadFormat = errors.New("query: unknown $format")
)

// Term is one constraint of a query: an index name and the key
// constraint applied to it.
type Term struct {
	Index      string
	Constraint store.Constraint
}

// Query is a parsed query: zero or more index terms plus the control
// parameters governing how results are joined, windowed and formatted.
type Query struct {
	Terms []Term

	// Join selects how multiple terms combine: JoinAnd intersects
	// them, JoinOr unions them.
	Join string

	// From/To window the match sequence by position (inclusive,
	// zero-based). Limit caps the number of returned results.
	From     int
	HasFrom  bool
	To       int
	HasTo    bool
	Limit    int
	HasLimit bool

	Format Format

	// OrderBy sorts the results by a dotted path into the record,
	// e.g. "info.title". Forces records to be loaded.
	OrderBy string
}

// ParseValues builds a Query from URL query parameters. Parameters
// starting with "$" are control parameters; all others are index terms.
// A plain parameter is an exact match on the index of that name; the
// suffixes "$prefix", "$from" and "$to" select prefix and range
// constraints, with from/to on the same index paired into one range.
func ParseValues(values url.Values) (*Query, error) {
	q := &Query{
		Join:   JoinAnd,
		Format: FormatRecords,
	}

	type rangeBounds struct {
		from, to string
	}
	ranges := make(map[string]*rangeBounds)
	var rangeOrder []string

	// Iterate in sorted key order so queries parse deterministically.
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := values.Get(name)

		if strings.HasPrefix(name, "$") {
			switch name {
			case "$join":
				if value != JoinAnd && value != JoinOr {
					return nil, fmt.Errorf("%w: %q", ErrBadJoin, value)
				}
				q.Join = value
			case "$from":
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("query: bad $from %q: %w", value, err)
				}
				q.From, q.HasFrom = n, true
			case "$to":
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("query: bad $to %q: %w", value, err)
				}
				q.To, q.HasTo = n, true
			case "$limit":
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("query: bad $limit %q: %w", value, err)
				}
				q.Limit, q.HasLimit = n, true
			case "$format":
				switch Format(value) {
				case FormatKeys, FormatRecords, FormatLookup:
					q.Format = Format(value)
				default:
					return nil, fmt.Errorf("%w: %q", ErrBadFormat, value)
				}
			case "$orderBy":
				q.OrderBy = value
			default:
				return nil, fmt.Errorf("query: unknown control parameter %q", name)
			}
			continue
		}

		index, op, hasOp := strings.Cut(name, "$")
		if !hasOp {
			q.Terms = append(q.Terms, Term{Index: index, Constraint: store.Equals{Value: value}})
			continue
		}
		switch op {
		case "prefix":
			q.Terms = append(q.Terms, Term{Index: index, Constraint: store.Prefix{Value: value}})
		case "from":
			b := ranges[index]
			if b == nil {
				b = &rangeBounds{}
				ranges[index] = b
				rangeOrder = append(rangeOrder, index)
			}
			b.from = value
		case "to":
			b := ranges[index]
			if b == nil {
				b = &rangeBounds{}
				ranges[index] = b
				rangeOrder = append(rangeOrder, index)
			}
			b.to = value
		default:
			return nil, fmt.Errorf("query: unknown constraint operator %q on %q", op, index)
		}
	}

	for _, index := range rangeOrder {
		b := ranges[index]
		q.Terms = append(q.Terms, Term{
			Index:      index,
			Constraint: store.Range{From: b.from, To: b.to},
		})
	}

	return q, nil
}
