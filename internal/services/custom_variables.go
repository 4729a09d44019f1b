package services

import (
	"fmt"

	"github.com/datadrivensurveys/dds/internal/models"
	"github.com/datadrivensurveys/dds/internal/operators"
)

// resolvedFilter is a filter with its operand coerced to the
// attribute's type. failClosed marks filters whose operand could not be
// coerced or whose operator is illegal for the type: they match
// nothing, so the whole variable evaluates to no value.
type resolvedFilter struct {
	attr       models.Attribute
	op         models.FilterOperator
	operand    models.Value
	failClosed bool
}

func resolveFilters(v models.CustomVariable, category models.DataCategory) ([]resolvedFilter, error) {
	out := make([]resolvedFilter, 0, len(v.Filters))
	for _, f := range v.Filters {
		attr, ok := category.Attribute(f.Attribute)
		if !ok {
			return nil, models.NewError(models.ErrorUnknownAttribute,
				fmt.Sprintf("custom variable %q filters on unknown attribute %q of %s/%s",
					v.VariableName, f.Attribute, v.DataProvider, v.DataCategory))
		}
		rf := resolvedFilter{attr: attr, op: f.Operator}
		if !operators.Allowed(f.Operator, attr.Type) {
			rf.failClosed = true
		} else if operand, err := operators.Coerce(f.Value, attr.Type); err != nil {
			rf.failClosed = true
		} else {
			rf.operand = operand
		}
		out = append(out, rf)
	}
	return out, nil
}

// EvaluateCustomVariable applies the variable's filters (AND semantics,
// order preserved) then its selection to the materialized collection,
// returning one value per category attribute of the selected item. An
// empty filtered collection yields the defined no-value result for
// every attribute, never an error.
func EvaluateCustomVariable(v models.CustomVariable, category models.DataCategory, items []models.DataItem, respondentID string) ([]models.VariableValue, error) {
	if !category.CustomVariablesEnabled {
		return nil, models.NewInvalidError(
			fmt.Sprintf("category %s/%s does not allow custom variables", v.DataProvider, v.DataCategory))
	}
	filters, err := resolveFilters(v, category)
	if err != nil {
		return nil, err
	}

	filtered := make([]models.DataItem, 0, len(items))
	for _, it := range items {
		if matchesAll(it, filters) {
			filtered = append(filtered, it)
		}
	}

	var selected models.DataItem
	switch v.Selection.Operator {
	case models.SelectMax, models.SelectMin:
		if _, ok := category.Attribute(v.Selection.Attribute); !ok {
			return nil, models.NewError(models.ErrorUnknownAttribute,
				fmt.Sprintf("custom variable %q selects on unknown attribute %q", v.VariableName, v.Selection.Attribute))
		}
		if v.Selection.Operator == models.SelectMax {
			selected, _ = operators.Max(filtered, v.Selection.Attribute)
		} else {
			selected, _ = operators.Min(filtered, v.Selection.Attribute)
		}
	case models.SelectRandom:
		selected, _ = operators.Random(filtered, respondentID+":"+v.VariableName)
	default:
		return nil, models.NewInvalidError(
			fmt.Sprintf("custom variable %q has unknown selection operator %q", v.VariableName, v.Selection.Operator))
	}

	out := make([]models.VariableValue, 0, len(category.Attributes))
	for _, attr := range category.Attributes {
		vv := models.VariableValue{
			QualifiedName: models.CustomQualifiedName(v.DataProvider, v.DataCategory, v.VariableName, attr.Name),
		}
		if selected != nil {
			if val, ok := selected.Get(attr.Name); ok {
				vv.Value = val
			}
		}
		out = append(out, vv)
	}
	return out, nil
}

// matchesAll applies every filter to one item. A value missing from the
// item or carrying the wrong type fails that predicate, excluding the
// item without aborting the evaluation.
func matchesAll(it models.DataItem, filters []resolvedFilter) bool {
	for _, f := range filters {
		if f.failClosed {
			return false
		}
		val, ok := it.Get(f.attr.Name)
		if !ok {
			return false
		}
		if !operators.Apply(f.op, f.attr.Type, val, f.operand) {
			return false
		}
	}
	return true
}
