package storage

import (
	"fmt"
	"regexp"
	"strings"
)

// matchesCriteria reports whether a decoded JSON document satisfies every
// clause in criteria. Used by the in-memory store; the PostgreSQL store
// compiles the same semantics to SQL.
func matchesCriteria(doc map[string]any, criteria Criteria) (bool, error) {
	for path, expected := range criteria {
		actual, found := lookupPath(doc, path)

		if opMap, ok := asOperatorMap(expected); ok {
			if !found {
				return false, nil
			}

			matched, err := matchOperators(actual, opMap)
			if err != nil {
				return false, err
			}

			if !matched {
				return false, nil
			}

			continue
		}

		if !found || !jsonEqual(actual, expected) {
			return false, nil
		}
	}

	return true, nil
}

// lookupPath walks a dotted path through nested JSON objects.
func lookupPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = doc

	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// asOperatorMap detects criteria values of the form {"$gte": x, "$lte": y} or {"$regex": p}.
func asOperatorMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}

	for k := range m {
		if k != OpGTE && k != OpLTE && k != OpRegex {
			return nil, false
		}
	}

	return m, true
}

func matchOperators(actual any, ops map[string]any) (bool, error) {
	for op, operand := range ops {
		switch op {
		case OpGTE:
			cmp, err := compareScalars(actual, operand)
			if err != nil {
				return false, err
			}

			if cmp < 0 {
				return false, nil
			}
		case OpLTE:
			cmp, err := compareScalars(actual, operand)
			if err != nil {
				return false, err
			}

			if cmp > 0 {
				return false, nil
			}
		case OpRegex:
			pattern, ok := operand.(string)
			if !ok {
				return false, fmt.Errorf("%w: $regex operand must be a string", ErrInvalidCriteria)
			}

			s, ok := actual.(string)
			if !ok {
				return false, nil
			}

			matched, err := regexp.MatchString(pattern, s)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
			}

			if !matched {
				return false, nil
			}
		}
	}

	return true, nil
}

// compareScalars orders two scalar values. Numbers compare numerically;
// strings compare lexicographically, which is correct for RFC 3339 UTC
// timestamps. Mixed types are a caller error.
func compareScalars(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		fb, okB := toFloat(b)
		if !okB {
			return 0, fmt.Errorf("%w: cannot compare number with %T", ErrInvalidCriteria, b)
		}

		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		default:
			return 0, nil
		}
	}

	sa, okA := a.(string)
	sb, okB := b.(string)

	if !okA || !okB {
		return 0, fmt.Errorf("%w: unsupported comparison between %T and %T", ErrInvalidCriteria, a, b)
	}

	return strings.Compare(sa, sb), nil
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
	default:
		return 0, false
	}
}

// jsonEqual compares a decoded JSON value against a criteria literal. The
// criteria side may use Go int while the document side decodes to float64.
func jsonEqual(actual, expected any) bool {
	if fa, ok := toFloat(actual); ok {
		if fe, okE := toFloat(expected); okE {
			return fa == fe
		}

		return false
	}

	return actual == expected
}
