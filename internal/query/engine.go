package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"locomote/internal/model"
	"locomote/internal/store"
)

// Engine evaluates queries against a single origin's store.
type Engine struct {
	store store.Store
}

// New creates a query engine over the given store.
func New(st store.Store) *Engine {
	return &Engine{store: st}
}

// Run evaluates the query and returns the result shaped per its Format:
// a []string of paths, a []*model.FileRecord, or a map keyed by path.
// Records is the default.
func (e *Engine) Run(ctx context.Context, q *Query) (any, error) {
	switch q.Format {
	case FormatKeys:
		return e.Keys(ctx, q)
	case FormatLookup:
		return e.Lookup(ctx, q)
	default:
		return e.Records(ctx, q)
	}
}

// Keys returns the paths matching the query, in index order, after the
// window parameters have been applied. OrderBy does not apply to keys.
func (e *Engine) Keys(ctx context.Context, q *Query) ([]string, error) {
	return e.matchKeys(ctx, q)
}

// Records returns the matching records, sorted by OrderBy when set.
func (e *Engine) Records(ctx context.Context, q *Query) ([]*model.FileRecord, error) {
	paths, err := e.matchKeys(ctx, q)
	if err != nil {
		return nil, err
	}
	loaded, err := e.store.ReadAll(ctx, paths)
	if err != nil {
		return nil, err
	}
	recs := make([]*model.FileRecord, 0, len(loaded))
	for _, rec := range loaded {
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	if q.OrderBy != "" {
		sortRecords(recs, q.OrderBy)
	}
	return recs, nil
}

// Lookup returns the matching records keyed by path.
func (e *Engine) Lookup(ctx context.Context, q *Query) (map[string]*model.FileRecord, error) {
	recs, err := e.Records(ctx, q)
	if err != nil {
		return nil, err
	}
	lookup := make(map[string]*model.FileRecord, len(recs))
	for _, rec := range recs {
		lookup[rec.Path] = rec
	}
	return lookup, nil
}

// matchKeys runs the merge join over one index cursor per term. Every
// cursor yields (index key, primary key) pairs in ascending order; an
// "and" join emits a path when all cursors sit on it, an "or" join
// emits each distinct path any cursor visits.
func (e *Engine) matchKeys(ctx context.Context, q *Query) ([]string, error) {
	if q.HasLimit && q.Limit <= 0 {
		return []string{}, nil
	}

	// A query with no constraints matches nothing.
	if len(q.Terms) == 0 {
		return []string{}, nil
	}

	cursors := make([]*indexCursor, 0, len(q.Terms))
	defer func() {
		for _, ic := range cursors {
			ic.close()
		}
	}()
	for _, term := range q.Terms {
		c, err := e.store.OpenCursor(ctx, term.Index, term.Constraint)
		if err != nil {
			return nil, fmt.Errorf("query: opening cursor on %s: %w", term.Index, err)
		}
		ic := &indexCursor{c: c}
		if p, ok := term.Constraint.(store.Prefix); ok {
			ic.prefix = p.Value
		}
		ic.advance()
		cursors = append(cursors, ic)
	}

	results := []string{}
	count := 0
	stop := false
	emit := func(pk string) {
		if !q.HasFrom || count >= q.From {
			results = append(results, pk)
		}
		count++
		if q.HasTo && count > q.To {
			stop = true
		}
		if q.HasLimit && len(results) >= q.Limit {
			stop = true
		}
	}

	if q.Join == JoinOr {
		prev := ""
		first := true
		for !stop {
			min, ok := lowestKey(cursors)
			if !ok {
				break
			}
			if first || min != prev {
				emit(min)
				prev, first = min, false
			}
			for _, ic := range cursors {
				if !ic.done && ic.pk == min {
					ic.advance()
				}
			}
		}
	} else {
		for !stop {
			exhausted := false
			min, max := "", ""
			for i, ic := range cursors {
				if ic.done {
					exhausted = true
					break
				}
				if i == 0 || ic.pk < min {
					min = ic.pk
				}
				if i == 0 || ic.pk > max {
					max = ic.pk
				}
			}
			if exhausted {
				break
			}
			if min == max {
				emit(min)
				for _, ic := range cursors {
					ic.advance()
				}
				continue
			}
			// Not aligned: advance the cursors that are behind.
			for _, ic := range cursors {
				if ic.pk == min {
					ic.advance()
				}
			}
		}
	}

	for _, ic := range cursors {
		if ic.err != nil {
			return nil, ic.err
		}
	}
	return results, nil
}

// lowestKey returns the smallest primary key among the live cursors.
func lowestKey(cursors []*indexCursor) (string, bool) {
	min, ok := "", false
	for _, ic := range cursors {
		if ic.done {
			continue
		}
		if !ok || ic.pk < min {
			min, ok = ic.pk, true
		}
	}
	return min, ok
}

// indexCursor tracks one term's position in the join. A prefix
// constraint only has a lower bound at the store level, so the cursor
// terminates itself once keys stop matching the prefix.
type indexCursor struct {
	c      store.Cursor
	prefix string
	pk     string
	done   bool
	err    error
}

func (ic *indexCursor) advance() {
	if ic.done {
		return
	}
	ok, err := ic.c.Next()
	if err != nil {
		ic.err = err
		ic.done = true
		return
	}
	if !ok {
		ic.done = true
		return
	}
	if ic.prefix != "" && !strings.HasPrefix(ic.c.Key(), ic.prefix) {
		ic.done = true
		return
	}
	ic.pk = ic.c.PrimaryKey()
}

func (ic *indexCursor) close() {
	ic.c.Close()
}

// sortRecords stable-sorts records by a dotted path into their JSON
// representation, e.g. "info.date". Missing values sort first.
func sortRecords(recs []*model.FileRecord, orderBy string) {
	segments := strings.Split(orderBy, ".")
	type keyed struct {
		key string
		rec *model.FileRecord
	}
	pairs := make([]keyed, len(recs))
	for i, rec := range recs {
		pairs[i] = keyed{key: orderValue(rec, segments), rec: rec}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].key < pairs[j].key
	})
	for i, p := range pairs {
		recs[i] = p.rec
	}
}

func orderValue(rec *model.FileRecord, segments []string) string {
	raw, err := json.Marshal(rec)
	if err != nil {
		return ""
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	var cur any = doc
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[seg]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
