// Package splitter partitions a grouped step's workload into group
// predicates. Each predicate is a data-query fragment that one step group
// submits to the WMS; together the predicates of a step cover its whole
// input without overlap.
package splitter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"campaignd/campaign"
)

// Splitter yields the group predicates of one step, in deterministic
// order. The same configuration always produces the same predicates, which
// keeps step expansion idempotent.
type Splitter interface {
	Split(ctx context.Context) ([]string, error)
}

// ValueSource answers data-dimension queries; the Butler client satisfies
// it. Defined here so the splitter does not depend on a concrete backend.
type ValueSource interface {
	QueryValues(ctx context.Context, query, field string) ([]any, error)
}

// Null produces a single always-true predicate: the step runs as one
// group.
type Null struct{}

func (Null) Split(context.Context) ([]string, error) { return []string{"1"}, nil }

// Values produces one predicate per configured value.
type Values struct {
	Field  string
	Values []any
}

func (s Values) Split(context.Context) ([]string, error) {
	if s.Field == "" {
		return nil, campaign.Errorf(campaign.ErrInvalidGrouping, "values splitter needs a field")
	}
	if len(s.Values) == 0 {
		return nil, campaign.Errorf(campaign.ErrInvalidGrouping, "values splitter needs at least one value")
	}
	out := make([]string, 0, len(s.Values))
	for _, v := range s.Values {
		out = append(out, fmt.Sprintf("%s IN (%s)", s.Field, formatValue(v)))
	}
	return out, nil
}

// Query asks the data backend for the distinct values of Field within the
// configured dataset, collections and predicates, sorts them and
// partitions the sorted range into contiguous half-open intervals. The
// partition honours both MinGroups (fewer matching values than MinGroups
// is a grouping error) and MaxSize (no group covers more than this many
// values); the final interval is open-ended so late-arriving values still
// land in a group.
type Query struct {
	Source      ValueSource
	Query       string
	Dataset     string
	Collections []string
	Predicates  []string
	Field       string
	MinGroups   int
	MaxSize     int
}

// valueQuery combines the configured constraints into the single
// where-clause sent to the value lookup. Dataset and collections scope
// the lookup as ordinary clauses of the backend's query dialect;
// predicates and the free-form query are appended as-is.
func (s Query) valueQuery() string {
	var clauses []string
	if s.Dataset != "" {
		clauses = append(clauses, "dataset = '"+s.Dataset+"'")
	}
	if len(s.Collections) > 0 {
		quoted := make([]string, len(s.Collections))
		for i, c := range s.Collections {
			quoted[i] = "'" + c + "'"
		}
		clauses = append(clauses, fmt.Sprintf("collections IN (%s)", strings.Join(quoted, ", ")))
	}
	for _, p := range s.Predicates {
		if p != "" {
			clauses = append(clauses, p)
		}
	}
	if s.Query != "" {
		clauses = append(clauses, s.Query)
	}
	return strings.Join(clauses, " AND ")
}

func (s Query) Split(ctx context.Context) ([]string, error) {
	if s.Field == "" {
		return nil, campaign.Errorf(campaign.ErrInvalidGrouping, "query splitter needs a field")
	}
	if s.MinGroups < 1 {
		return nil, campaign.Errorf(campaign.ErrInvalidGrouping, "min_groups must be at least 1, got %d", s.MinGroups)
	}
	if s.MaxSize < 1 {
		return nil, campaign.Errorf(campaign.ErrInvalidGrouping, "max_size must be at least 1, got %d", s.MaxSize)
	}
	where := s.valueQuery()
	values, err := s.Source.QueryValues(ctx, where, s.Field)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, campaign.Errorf(campaign.ErrInvalidGrouping,
			"query %q matched no values of %s", where, s.Field)
	}
	if len(values) < s.MinGroups {
		return nil, campaign.Errorf(campaign.ErrInvalidGrouping,
			"query %q matched %d values of %s, fewer than min_groups %d",
			where, len(values), s.Field, s.MinGroups)
	}
	// Sort before formatting so numeric dimensions order numerically, not
	// lexically.
	sort.SliceStable(values, func(i, j int) bool { return lessValue(values[i], values[j]) })
	sorted := make([]string, len(values))
	for i, v := range values {
		sorted[i] = formatValue(v)
	}

	groups := (len(sorted) + s.MaxSize - 1) / s.MaxSize
	if groups < s.MinGroups {
		groups = s.MinGroups
	}
	size := (len(sorted) + groups - 1) / groups

	out := make([]string, 0, groups)
	for lo := 0; lo < len(sorted); lo += size {
		hi := lo + size
		if hi >= len(sorted) {
			out = append(out, fmt.Sprintf("%s >= %s", s.Field, sorted[lo]))
			break
		}
		out = append(out, fmt.Sprintf("%s >= %s AND %s < %s",
			s.Field, sorted[lo], s.Field, sorted[hi]))
	}
	return out, nil
}

func lessValue(a, b any) bool {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an < bn
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// formatValue renders a predicate operand: strings are single-quoted,
// numbers pass through. JSON-decoded integers arrive as float64 and are
// printed without a fractional part when whole.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// FromConfig builds the splitter a step's resolved configuration asks for.
// The "groups" section selects the strategy:
//
//	groups:
//	  split_by: query        # or "values", or absent for the null splitter
//	  field: exposure
//	  dataset: raw
//	  collections: [LSSTCam/raw/all]
//	  predicates: ["instrument = 'LSSTCam'"]
//	  min_groups: 2
//	  max_size: 500
//
// A free-form "query" key is also honoured and combined with the keys
// above.
func FromConfig(cfg campaign.Mapping, src ValueSource) (Splitter, error) {
	raw, ok := cfg["groups"]
	if !ok {
		return Null{}, nil
	}
	groups, ok := raw.(map[string]any)
	if !ok {
		if m, mok := raw.(campaign.Mapping); mok {
			groups = m
		} else {
			return nil, campaign.Errorf(campaign.ErrInvalidGrouping, "groups section must be an object")
		}
	}
	splitBy, _ := groups["split_by"].(string)
	field, _ := groups["field"].(string)
	switch splitBy {
	case "", "null":
		return Null{}, nil
	case "values":
		vals, _ := groups["values"].([]any)
		return Values{Field: field, Values: vals}, nil
	case "query":
		query, _ := groups["query"].(string)
		dataset, _ := groups["dataset"].(string)
		return Query{
			Source:      src,
			Query:       query,
			Dataset:     dataset,
			Collections: stringList(groups["collections"]),
			Predicates:  stringList(groups["predicates"]),
			Field:       field,
			MinGroups:   intOr(groups["min_groups"], 1),
			MaxSize:     intOr(groups["max_size"], 1),
		}, nil
	default:
		return nil, campaign.Errorf(campaign.ErrInvalidGrouping, "unknown split_by %q", splitBy)
	}
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, sok := it.(string); sok {
			out = append(out, s)
		}
	}
	return out
}

func intOr(v any, def int) int {
	switch x := v.(type) {
	case int:
		return x
	case float64:
		return int(x)
	}
	return def
}
