// Package query compiles flat request parameters into a typed predicate tree
// and a page specification over key records.
//
// The tree is engine-neutral: persistence adapters lower it to their native
// form (SQL for the gorm store, Match for the in-memory store).
package query

import (
	"strconv"
	"strings"
)

// Field names an addressable part of a key record.
type Field string

const (
	FieldUserID              Field = "userId"
	FieldClientID            Field = "clientId"
	FieldCreated             Field = "created"
	FieldModified            Field = "modified"
	FieldAuthTokenValue      Field = "authToken.value"
	FieldAuthTokenExpiration Field = "authToken.expiration"
	FieldAuthTokenExpired    Field = "authToken.expired"
	FieldAuthTokenScope      Field = "authToken.scope.resource"
	FieldRefTokenValue       Field = "refToken.value"
	FieldRefTokenExpiration  Field = "refToken.expiration"
	FieldRefTokenExpired     Field = "refToken.expired"
	FieldAttribute           Field = "attributes"
)

// Path addresses a field, or one entry of the attribute bag when Field is FieldAttribute.
type Path struct {
	Field     Field
	Attribute string
}

// FieldPath returns the path of a fixed field.
func FieldPath(f Field) Path {
	return Path{Field: f}
}

// AttributePath returns the path of attribute name.
func AttributePath(name string) Path {
	return Path{Field: FieldAttribute, Attribute: name}
}

// IsAttribute reports whether the path addresses the attribute bag.
func (p Path) IsAttribute() bool {
	return p.Field == FieldAttribute
}

// IsInteger reports whether values at the path are epoch seconds.
func (p Path) IsInteger() bool {
	switch p.Field {
	case FieldCreated, FieldModified, FieldAuthTokenExpiration, FieldRefTokenExpiration:
		return true
	}
	return false
}

func (p Path) String() string {
	if p.IsAttribute() {
		return string(FieldAttribute) + "." + p.Attribute
	}
	return string(p.Field)
}

var knownFields = map[string]Field{
	string(FieldUserID):              FieldUserID,
	string(FieldClientID):            FieldClientID,
	string(FieldCreated):             FieldCreated,
	string(FieldModified):            FieldModified,
	string(FieldAuthTokenValue):      FieldAuthTokenValue,
	string(FieldAuthTokenExpiration): FieldAuthTokenExpiration,
	string(FieldAuthTokenExpired):    FieldAuthTokenExpired,
	string(FieldAuthTokenScope):      FieldAuthTokenScope,
	string(FieldRefTokenValue):       FieldRefTokenValue,
	string(FieldRefTokenExpiration):  FieldRefTokenExpiration,
	string(FieldRefTokenExpired):     FieldRefTokenExpired,
}

// ParsePath parses a dotted field path such as "authToken.value" or
// "attributes.agencyCode".
func ParsePath(s string) (Path, bool) {
	if f, ok := knownFields[s]; ok {
		return FieldPath(f), true
	}
	if name, ok := strings.CutPrefix(s, string(FieldAttribute)+"."); ok && name != "" {
		return AttributePath(name), true
	}
	return Path{}, false
}

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpContainsFold
	OpExists
	OpNotExists
	OpGt
	OpLt
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpContainsFold:
		return "~*"
	case OpExists:
		return "exists"
	case OpNotExists:
		return "not exists"
	case OpGt:
		return ">"
	case OpLt:
		return "<"
	}
	return "?"
}

// Value is a comparison operand: a string or an integer.
type Value struct {
	str   string
	num   int64
	isNum bool
}

// StringValue wraps a string operand.
func StringValue(s string) Value { return Value{str: s} }

// IntValue wraps an integer operand.
func IntValue(n int64) Value { return Value{num: n, isNum: true} }

// IsInt reports whether the operand is an integer.
func (v Value) IsInt() bool { return v.isNum }

// Str returns the string operand.
func (v Value) Str() string { return v.str }

// Int returns the integer operand.
func (v Value) Int() int64 { return v.num }

// Any returns the operand as a string or int64.
func (v Value) Any() interface{} {
	if v.isNum {
		return v.num
	}
	return v.str
}

func (v Value) String() string {
	if v.isNum {
		return strconv.FormatInt(v.num, 10)
	}
	return strconv.Quote(v.str)
}

// Predicate is a boolean expression over key records.
type Predicate interface {
	String() string
	isPredicate()
}

// Comparison tests the value at Path with Op against Value.
// Exists and NotExists ignore Value.
type Comparison struct {
	Path  Path
	Op    Op
	Value Value
}

// And is satisfied when every term is. An empty And matches everything.
type And struct {
	Terms []Predicate
}

// Or is satisfied when any term is. An empty Or matches nothing.
type Or struct {
	Terms []Predicate
}

func (Comparison) isPredicate() {}
func (And) isPredicate()        {}
func (Or) isPredicate()         {}

func (c Comparison) String() string {
	if c.Op == OpExists || c.Op == OpNotExists {
		return c.Path.String() + " " + c.Op.String()
	}
	return c.Path.String() + " " + c.Op.String() + " " + c.Value.String()
}

func (a And) String() string { return join(a.Terms, " AND ", "TRUE") }
func (o Or) String() string  { return join(o.Terms, " OR ", "FALSE") }

func join(terms []Predicate, sep, empty string) string {
	if len(terms) == 0 {
		return empty
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		s := t.String()
		if _, nested := t.(Comparison); !nested {
			s = "(" + s + ")"
		}
		parts[i] = s
	}
	return strings.Join(parts, sep)
}

// Eq builds an equality comparison.
func Eq(p Path, v Value) Comparison { return Comparison{Path: p, Op: OpEq, Value: v} }

// All returns the predicate matching every record.
func All() Predicate { return And{} }

// Conjoin ANDs predicates, flattening nested And terms.
func Conjoin(preds ...Predicate) Predicate {
	terms := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		if p == nil {
			continue
		}
		if a, ok := p.(And); ok {
			terms = append(terms, a.Terms...)
			continue
		}
		terms = append(terms, p)
	}
	if len(terms) == 1 {
		return terms[0]
	}
	return And{Terms: terms}
}
