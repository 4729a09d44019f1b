// Package operators implements the type-aware comparison and reduction
// primitives the variable evaluators are built on. Every predicate
// fails closed: an operand that cannot be coerced to the attribute's
// type, an unknown operator, or a type mismatch evaluates to false
// rather than erroring out of the evaluation.
package operators

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/datadrivensurveys/dds/internal/models"
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate parses the date formats accepted from providers and from
// researcher-entered filter operands.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", raw)
}

// Coerce converts a raw operand string to a typed value.
func Coerce(raw string, dt models.DataType) (models.Value, error) {
	switch dt {
	case models.TypeDate:
		t, err := ParseDate(raw)
		if err != nil {
			return models.Value{}, err
		}
		return models.DateValue(t), nil
	case models.TypeNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return models.Value{}, fmt.Errorf("unparseable number %q", raw)
		}
		return models.NumberValue(f), nil
	case models.TypeText:
		return models.TextValue(raw), nil
	}
	return models.Value{}, fmt.Errorf("unknown data type %q", dt)
}

// ForType lists the legal filter operators for a data type.
func ForType(dt models.DataType) []models.FilterOperator {
	switch dt {
	case models.TypeDate:
		return []models.FilterOperator{
			models.OpIs, models.OpIsNot,
			models.OpIsAfter, models.OpIsOnOrAfter,
			models.OpIsBefore, models.OpIsOnOrBefore,
		}
	case models.TypeNumber:
		return []models.FilterOperator{
			models.OpIs, models.OpIsNot,
			models.OpIsGreaterThan, models.OpIsGreaterThanOrEqualTo,
			models.OpIsLessThan, models.OpIsLessThanOrEqualTo,
		}
	case models.TypeText:
		return []models.FilterOperator{
			models.OpIs, models.OpIsNot,
			models.OpContains, models.OpDoesNotContain,
			models.OpBeginsWith, models.OpEndsWith,
			models.OpRegexp,
		}
	}
	return nil
}

// Allowed reports whether op is legal for the data type.
func Allowed(op models.FilterOperator, dt models.DataType) bool {
	for _, legal := range ForType(dt) {
		if op == legal {
			return true
		}
	}
	return false
}

// Apply evaluates one predicate. itemVal is the attribute value from
// the data item, operand the coerced filter value; both must already be
// of the given type or the predicate is false.
func Apply(op models.FilterOperator, dt models.DataType, itemVal, operand models.Value) bool {
	if itemVal.Type != dt || operand.Type != dt || !Allowed(op, dt) {
		return false
	}
	switch dt {
	case models.TypeDate:
		return applyDate(op, itemVal.Date, operand.Date)
	case models.TypeNumber:
		return applyNumber(op, itemVal.Number, operand.Number)
	case models.TypeText:
		return applyText(op, itemVal.Text, operand.Text)
	}
	return false
}

func applyDate(op models.FilterOperator, item, operand time.Time) bool {
	switch op {
	case models.OpIs:
		return item.Equal(operand)
	case models.OpIsNot:
		return !item.Equal(operand)
	case models.OpIsAfter:
		return item.After(operand)
	case models.OpIsOnOrAfter:
		return item.After(operand) || item.Equal(operand)
	case models.OpIsBefore:
		return item.Before(operand)
	case models.OpIsOnOrBefore:
		return item.Before(operand) || item.Equal(operand)
	}
	return false
}

func applyNumber(op models.FilterOperator, item, operand float64) bool {
	switch op {
	case models.OpIs:
		return item == operand
	case models.OpIsNot:
		return item != operand
	case models.OpIsGreaterThan:
		return item > operand
	case models.OpIsGreaterThanOrEqualTo:
		return item >= operand
	case models.OpIsLessThan:
		return item < operand
	case models.OpIsLessThanOrEqualTo:
		return item <= operand
	}
	return false
}

func applyText(op models.FilterOperator, item, operand string) bool {
	switch op {
	case models.OpIs:
		return item == operand
	case models.OpIsNot:
		return item != operand
	case models.OpContains:
		return strings.Contains(item, operand)
	case models.OpDoesNotContain:
		return !strings.Contains(item, operand)
	case models.OpBeginsWith:
		return strings.HasPrefix(item, operand)
	case models.OpEndsWith:
		return strings.HasSuffix(item, operand)
	case models.OpRegexp:
		re, err := regexp.Compile(operand)
		if err != nil {
			return false
		}
		return re.MatchString(item)
	}
	return false
}

// less orders two values of the same type. Items whose values are not
// ordered (mismatched types, no value) never win a reduction.
func less(a, b models.Value) (bool, bool) {
	if a.Type != b.Type || a.IsZero() {
		return false, false
	}
	switch a.Type {
	case models.TypeDate:
		return a.Date.Before(b.Date), true
	case models.TypeNumber:
		return a.Number < b.Number, true
	case models.TypeText:
		return a.Text < b.Text, true
	}
	return false, false
}

// Max returns the item with the greatest value of attr. Ties keep the
// first item in original fetch order, so repeated runs are stable.
func Max(items []models.DataItem, attr string) (models.DataItem, bool) {
	return reduce(items, attr, false)
}

// Min returns the item with the least value of attr; ties keep the
// first item in original fetch order.
func Min(items []models.DataItem, attr string) (models.DataItem, bool) {
	return reduce(items, attr, true)
}

func reduce(items []models.DataItem, attr string, min bool) (models.DataItem, bool) {
	var best models.DataItem
	var bestVal models.Value
	for _, it := range items {
		v, ok := it.Get(attr)
		if !ok || v.IsZero() {
			continue
		}
		if best == nil {
			best, bestVal = it, v
			continue
		}
		cmp, ok := less(bestVal, v)
		if !ok {
			continue
		}
		if min {
			cmp, _ = less(v, bestVal)
		}
		if cmp {
			best, bestVal = it, v
		}
	}
	return best, best != nil
}

// Random picks one item uniformly, seeded by the given string so the
// same (respondent, variable) pair always picks the same item.
func Random(items []models.DataItem, seed string) (models.DataItem, bool) {
	if len(items) == 0 {
		return nil, false
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	return items[rng.Intn(len(items))], true
}
