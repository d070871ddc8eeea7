package recordstore

import (
	"reflect"
	"slices"
)

/***** FieldCondition *****/

// FieldCondition is one required field equality. Predicates are always
// conjunctive: every condition must hold.
type FieldCondition struct {
	key string
	val any
}

// P builds a FieldCondition.
func P(key string, val any) FieldCondition {
	return FieldCondition{key: key, val: val}
}

func (fc FieldCondition) Key() string {
	return fc.key
}

func (fc FieldCondition) Val() any {
	return fc.val
}

/***** Predicate *****/

// Predicate is a conjunction of field equalities, the only filter shape the
// repository supports. The zero Predicate matches everything.
type Predicate struct {
	conditions []FieldCondition
}

// Where builds a Predicate from the given conditions.
//
// It sanitizes the input:
//   - removing conditions with an empty key
//   - sorting the conditions by key
//   - keeping only the last condition per key
func Where(conditions ...FieldCondition) Predicate {
	all := slices.Clone(conditions)
	all = slices.DeleteFunc(all, func(c FieldCondition) bool {
		return c.key == ""
	})

	slices.SortStableFunc(all, func(a, b FieldCondition) int {
		if a.key > b.key {
			return 1
		}

		if a.key < b.key {
			return -1
		}

		return 0
	})

	deduped := make([]FieldCondition, 0, len(all))
	for i, condition := range all {
		if i+1 < len(all) && all[i+1].key == condition.key {
			continue
		}

		deduped = append(deduped, condition)
	}

	return Predicate{conditions: slices.Clip(deduped)}
}

func (p Predicate) Conditions() []FieldCondition {
	return p.conditions
}

func (p Predicate) IsEmpty() bool {
	return len(p.conditions) == 0
}

// Matches reports whether the given fields satisfy every condition. A field
// that is absent from the map never matches.
func (p Predicate) Matches(fields FieldMap) bool {
	for _, condition := range p.conditions {
		val, ok := fields[condition.key]
		if !ok {
			return false
		}

		if !equalValues(val, condition.val) {
			return false
		}
	}

	return true
}

// equalValues compares loosely enough to survive a decode round trip, where
// numeric values may come back as a different width than they were stored.
func equalValues(a any, b any) bool {
	if a == nil || b == nil {
		return a == b
	}

	if reflect.DeepEqual(a, b) {
		return true
	}

	aNum, aOK := asFloat(a)
	bNum, bOK := asFloat(b)

	return aOK && bOK && aNum == bNum
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
