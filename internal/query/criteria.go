// Package query builds document filters from configured quality
// criteria. A filter renders both to a Mongo query and to an in-memory
// predicate, so screening decisions match what a later database query
// would select.
package query

import (
	"fmt"
	"reflect"
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/huntsman-array/huntsman-drp/internal/document"
)

// Operator names accepted in criteria specs, with their Mongo forms.
var mongoOperators = map[string]string{
	"equals":              "$eq",
	"not_equals":          "$ne",
	"greater_than":        "$gt",
	"greater_than_equals": "$gte",
	"less_than":           "$lt",
	"less_than_equals":    "$lte",
	"in":                  "$in",
	"not_in":              "$nin",
	"exists":              "$exists",
}

// ValidOperator reports whether name is a recognised criteria operator.
func ValidOperator(name string) bool {
	_, ok := mongoOperators[name]
	return ok
}

// Criteria constrains a single document column.
type Criteria struct {
	Column string
	Ops    map[string]any
}

// NewCriteria validates operator names eagerly.
func NewCriteria(column string, ops map[string]any) (Criteria, error) {
	for op := range ops {
		if _, ok := mongoOperators[op]; !ok {
			return Criteria{}, fmt.Errorf("column %q: unknown operator %q", column, op)
		}
	}
	return Criteria{Column: column, Ops: ops}, nil
}

// ToMongo renders the criteria as a Mongo operator document.
func (c Criteria) ToMongo() bson.M {
	ops := bson.M{}
	for op, threshold := range c.Ops {
		ops[mongoOperators[op]] = threshold
	}
	return bson.M{c.Column: ops}
}

// Satisfied evaluates the criteria against a document in memory. A
// missing column satisfies only the negated operators and a false
// exists check.
func (c Criteria) Satisfied(doc document.Document) bool {
	value, present := doc.Get(c.Column)
	for op, threshold := range c.Ops {
		if op == "exists" {
			want, _ := threshold.(bool)
			if present != want {
				return false
			}
			continue
		}
		if !present {
			if op == "not_equals" || op == "not_in" {
				continue
			}
			return false
		}
		if !evaluate(op, value, threshold) {
			return false
		}
	}
	return true
}

func evaluate(op string, value, threshold any) bool {
	switch op {
	case "equals":
		return looseEqual(value, threshold)
	case "not_equals":
		return !looseEqual(value, threshold)
	case "in":
		return member(value, threshold)
	case "not_in":
		return !member(value, threshold)
	}

	// Ordering operators compare numerically.
	v, okV := toFloat(value)
	t, okT := toFloat(threshold)
	if !okV || !okT {
		return false
	}
	switch op {
	case "greater_than":
		return v > t
	case "greater_than_equals":
		return v >= t
	case "less_than":
		return v < t
	case "less_than_equals":
		return v <= t
	}
	return false
}

func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func member(value, set any) bool {
	rv := reflect.ValueOf(set)
	if rv.Kind() != reflect.Slice {
		return looseEqual(value, set)
	}
	for i := 0; i < rv.Len(); i++ {
		if looseEqual(value, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// QueryCriteria combines per-column criteria; all must hold.
type QueryCriteria struct {
	criteria []Criteria
}

// FromSpec builds QueryCriteria from a configured column→operator map.
// Columns are ordered deterministically.
func FromSpec(spec map[string]map[string]any) (QueryCriteria, error) {
	columns := make([]string, 0, len(spec))
	for column := range spec {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	var q QueryCriteria
	for _, column := range columns {
		c, err := NewCriteria(column, spec[column])
		if err != nil {
			return QueryCriteria{}, err
		}
		q.criteria = append(q.criteria, c)
	}
	return q, nil
}

// Empty reports whether no criteria are present.
func (q QueryCriteria) Empty() bool { return len(q.criteria) == 0 }

// ToMongo renders all criteria into one filter document.
func (q QueryCriteria) ToMongo() bson.M {
	filter := bson.M{}
	for _, c := range q.criteria {
		for column, ops := range c.ToMongo() {
			filter[column] = ops
		}
	}
	return filter
}

// Satisfied reports whether the document passes every criteria.
func (q QueryCriteria) Satisfied(doc document.Document) bool {
	for _, c := range q.criteria {
		if !c.Satisfied(doc) {
			return false
		}
	}
	return true
}
