package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// DataType is the type of one attribute of a data category.
type DataType string

const (
	TypeDate   DataType = "Date"
	TypeNumber DataType = "Number"
	TypeText   DataType = "Text"
)

// Attribute describes one typed field of a data category.
type Attribute struct {
	Name string   `json:"name"`
	Type DataType `json:"data_type"`
	Unit string   `json:"unit,omitempty"`
}

// DataCategory is a named collection shape fetchable from one provider.
// Categories are immutable; each provider declares its own set.
type DataCategory struct {
	Name                   string      `json:"name"`
	Label                  string      `json:"label"`
	Attributes             []Attribute `json:"attributes"`
	CustomVariablesEnabled bool        `json:"custom_variables_enabled"`
}

// Attribute returns the named attribute, if the category declares it.
func (c DataCategory) Attribute(name string) (Attribute, bool) {
	for _, a := range c.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Value is one typed scalar. The zero Value means "no value" and is the
// defined result of an evaluation that matched nothing.
type Value struct {
	Type   DataType
	Date   time.Time
	Number float64
	Text   string
}

func DateValue(t time.Time) Value { return Value{Type: TypeDate, Date: t} }
func NumberValue(f float64) Value { return Value{Type: TypeNumber, Number: f} }
func TextValue(s string) Value    { return Value{Type: TypeText, Text: s} }

// IsZero reports whether v is the "no value" marker.
func (v Value) IsZero() bool { return v.Type == "" }

// String renders v the way it is embedded into survey platform data.
func (v Value) String() string {
	switch v.Type {
	case TypeDate:
		return v.Date.UTC().Format(time.RFC3339)
	case TypeNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case TypeText:
		return v.Text
	}
	return ""
}

// DataItem is one element of a fetched collection: attribute name to
// typed value. Items live only for the duration of one evaluation.
type DataItem map[string]Value

func (it DataItem) Get(attr string) (Value, bool) {
	v, ok := it[attr]
	return v, ok
}

// FilterOperator names one predicate of the filter algebra. The legal
// set depends on the attribute's data type.
type FilterOperator string

const (
	OpIs    FilterOperator = "is"
	OpIsNot FilterOperator = "is_not"

	OpIsAfter      FilterOperator = "is_after"
	OpIsOnOrAfter  FilterOperator = "is_on_or_after"
	OpIsBefore     FilterOperator = "is_before"
	OpIsOnOrBefore FilterOperator = "is_on_or_before"

	OpIsGreaterThan          FilterOperator = "is_greater_than"
	OpIsGreaterThanOrEqualTo FilterOperator = "is_greater_than_or_equal_to"
	OpIsLessThan             FilterOperator = "is_less_than"
	OpIsLessThanOrEqualTo    FilterOperator = "is_less_than_or_equal_to"

	OpContains       FilterOperator = "contains"
	OpDoesNotContain FilterOperator = "does_not_contain"
	OpBeginsWith     FilterOperator = "begins_with"
	OpEndsWith       FilterOperator = "ends_with"
	OpRegexp         FilterOperator = "regexp"
)

// Filter is one predicate over one attribute of a data item. Value is
// the raw researcher-entered operand; it is coerced to the attribute's
// type at evaluation time and fails closed if it cannot be.
type Filter struct {
	Attribute string         `json:"attribute" validate:"required"`
	Operator  FilterOperator `json:"operator" validate:"required"`
	Value     string         `json:"value"`
}

// SelectionOperator collapses a filtered collection to one item.
type SelectionOperator string

const (
	SelectMax    SelectionOperator = "max"
	SelectMin    SelectionOperator = "min"
	SelectRandom SelectionOperator = "random"
)

// Selection picks one item out of the filtered collection. Attribute is
// required for max/min and ignored for random.
type Selection struct {
	Operator  SelectionOperator `json:"operator" validate:"required,oneof=max min random"`
	Attribute string            `json:"attribute,omitempty" validate:"required_unless=Operator random"`
}

// CustomVariable is a researcher-defined filter+selection composition
// over one data category. Owned by a project; the name is unique within
// the project.
type CustomVariable struct {
	VariableName string    `json:"variable_name" validate:"required"`
	DataProvider string    `json:"data_provider" validate:"required"`
	DataCategory string    `json:"data_category" validate:"required"`
	Filters      []Filter  `json:"filters" validate:"dive"`
	Selection    Selection `json:"selection"`
	Enabled      bool      `json:"enabled"`
}

// BuiltinVariable is a provider-defined computed value. Index
// distinguishes parametrized variants of the same computation.
// Qualified overrides the derived qualified name when set.
type BuiltinVariable struct {
	Name         string   `json:"name"`
	DataProvider string   `json:"data_provider"`
	Type         DataType `json:"data_type"`
	Enabled      bool     `json:"enabled"`
	Index        *int     `json:"index,omitempty"`
	Qualified    string   `json:"qualified_name,omitempty"`
}

// QualifiedName is the full dotted name a builtin variable is uploaded
// under, e.g. dds.fitbit.builtin.account_created_date.
func (b BuiltinVariable) QualifiedName() string {
	if b.Qualified != "" {
		return b.Qualified
	}
	name := "dds." + b.DataProvider + ".builtin." + b.Name
	if b.Index != nil {
		name += "." + strconv.Itoa(*b.Index)
	}
	return name
}

// CustomQualifiedName builds the dotted name one attribute of a custom
// variable's selected item is uploaded under.
func CustomQualifiedName(provider, category, variable, attribute string) string {
	name := "dds." + provider + ".custom." + category + "." + variable
	if attribute != "" {
		name += "." + attribute
	}
	return name
}

// VariableValue is the final output unit: one qualified name with its
// computed value. Recomputed on every evaluation, never persisted as
// the source of truth.
type VariableValue struct {
	QualifiedName string
	Value         Value
}

// ProviderAccount identifies one connected account at one provider.
type ProviderAccount struct {
	Provider string `json:"provider"`
	UserID   string `json:"user_id"`
}

// RespondentIdentity is the set of provider accounts one participant
// connected for a project. Its canonical key is the idempotency anchor
// for distribution reuse.
type RespondentIdentity []ProviderAccount

// Canonical returns the identity sorted and deduplicated.
func (ri RespondentIdentity) Canonical() RespondentIdentity {
	out := make(RespondentIdentity, 0, len(ri))
	seen := map[ProviderAccount]bool{}
	for _, a := range ri {
		if a.Provider == "" || a.UserID == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Key renders the canonical identity as a stable lookup string.
func (ri RespondentIdentity) Key() string {
	c := ri.Canonical()
	parts := make([]string, 0, len(c))
	for _, a := range c {
		parts = append(parts, a.Provider+":"+a.UserID)
	}
	return strings.Join(parts, "|")
}

// Respondent aggregates every provider account a single participant has
// used for one project.
type Respondent struct {
	ID             string
	ProjectID      string
	Accounts       RespondentIdentity
	DistributionID string
	CreatedAt      time.Time
}

// Distribution is the reusable survey URL tied to one respondent's
// account set. The same account set never creates a second one.
type Distribution struct {
	ID         string
	ProjectID  string
	AccountKey string
	ContactID  string
	URL        string
	CreatedAt  time.Time
}

// ProjectConfig is the read-only engine input assembled by the admin
// surface for one evaluation: which providers, which variables, where
// to upload.
type ProjectConfig struct {
	ProjectID            string            `json:"project_id" validate:"required"`
	EnabledProviders     []string          `json:"enabled_providers"`
	CustomVariables      []CustomVariable  `json:"custom_variables" validate:"dive"`
	BuiltinVariables     []BuiltinVariable `json:"builtin_variables"`
	MailingListID        string            `json:"mailing_list_id"`
	TestValuePlaceholder string            `json:"test_value_placeholder"`
}

// ProviderEnabled reports whether the project enables the provider.
func (p ProjectConfig) ProviderEnabled(name string) bool {
	for _, e := range p.EnabledProviders {
		if e == name {
			return true
		}
	}
	return false
}

// AuditEntry mirrors what the store records for researcher-visible
// actions (respondent creation, distribution creation/reuse).
type AuditEntry struct {
	Time   time.Time
	Actor  string
	Action string
	Target string
	Note   string
}
