package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/turtacn/keystore/internal/domain/query"
	"gorm.io/gorm/clause"
)

const (
	sqlTrue  = "1 = 1"
	sqlFalse = "1 = 0"
)

var columns = map[query.Field]string{
	query.FieldUserID:              keysTable + ".user_id",
	query.FieldClientID:            keysTable + ".client_id",
	query.FieldCreated:             keysTable + ".created",
	query.FieldModified:            keysTable + ".modified",
	query.FieldAuthTokenValue:      keysTable + ".auth_token_value",
	query.FieldAuthTokenExpiration: keysTable + ".auth_token_expiration",
	query.FieldRefTokenValue:       keysTable + ".ref_token_value",
	query.FieldRefTokenExpiration:  keysTable + ".ref_token_expiration",
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a LIKE pattern matching s anywhere, case-folded.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(s)) + "%"
}

// lowerPredicate renders p as a WHERE fragment with positional vars.
// Absent values are NULL or a missing child row, so every comparison against
// them is false, matching query.Match.
func lowerPredicate(p query.Predicate) (string, []interface{}, error) {
	switch p := p.(type) {
	case nil:
		return sqlTrue, nil, nil
	case query.And:
		return lowerJunction(p.Terms, " AND ", sqlTrue)
	case query.Or:
		return lowerJunction(p.Terms, " OR ", sqlFalse)
	case query.Comparison:
		return lowerComparison(p)
	}
	return "", nil, fmt.Errorf("unsupported predicate %T", p)
}

func lowerJunction(terms []query.Predicate, sep, empty string) (string, []interface{}, error) {
	if len(terms) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, 0, len(terms))
	var vars []interface{}
	for _, t := range terms {
		s, v, err := lowerPredicate(t)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+s+")")
		vars = append(vars, v...)
	}
	return strings.Join(parts, sep), vars, nil
}

func lowerComparison(c query.Comparison) (string, []interface{}, error) {
	switch c.Path.Field {
	case query.FieldAttribute:
		return lowerChild(
			"SELECT 1 FROM "+attributesTable+" a WHERE a.key_id = "+keysTable+".id AND a.name = ?",
			[]interface{}{c.Path.Attribute}, "a.value", c)
	case query.FieldAuthTokenScope:
		return lowerChild(
			"SELECT 1 FROM "+scopesTable+" s WHERE s.key_id = "+keysTable+".id",
			nil, "s.resource", c)
	case query.FieldAuthTokenExpired, query.FieldRefTokenExpired:
		// Expired flags are derived; filters address the expiration instead.
		if c.Op == query.OpNotExists {
			return sqlTrue, nil, nil
		}
		return sqlFalse, nil, nil
	}

	col, ok := columns[c.Path.Field]
	if !ok {
		return "", nil, fmt.Errorf("unknown field %q", c.Path.Field)
	}
	switch c.Op {
	case query.OpExists:
		return col + " IS NOT NULL", nil, nil
	case query.OpNotExists:
		return col + " IS NULL", nil, nil
	}

	if c.Path.IsInteger() {
		switch c.Op {
		case query.OpEq:
			return col + " = ?", []interface{}{c.Value.Int()}, nil
		case query.OpGt:
			return col + " > ?", []interface{}{c.Value.Int()}, nil
		case query.OpLt:
			return col + " < ?", []interface{}{c.Value.Int()}, nil
		}
		return sqlFalse, nil, nil
	}

	switch c.Op {
	case query.OpEq:
		return col + " = ?", []interface{}{c.Value.Str()}, nil
	case query.OpContainsFold:
		return "LOWER(" + col + `) LIKE ? ESCAPE '\'`, []interface{}{containsPattern(c.Value.Str())}, nil
	}
	return sqlFalse, nil, nil
}

// lowerChild renders a comparison on a child table as an EXISTS subquery.
func lowerChild(selectSQL string, vars []interface{}, valueCol string, c query.Comparison) (string, []interface{}, error) {
	switch c.Op {
	case query.OpExists:
		return "EXISTS (" + selectSQL + ")", vars, nil
	case query.OpNotExists:
		return "NOT EXISTS (" + selectSQL + ")", vars, nil
	case query.OpEq:
		return "EXISTS (" + selectSQL + " AND " + valueCol + " = ?)", append(vars, c.Value.Str()), nil
	case query.OpContainsFold:
		return "EXISTS (" + selectSQL + " AND LOWER(" + valueCol + `) LIKE ? ESCAPE '\')`,
			append(vars, containsPattern(c.Value.Str())), nil
	}
	return sqlFalse, nil, nil
}

// sortExpression renders the value a path sorts by. Absent values are NULL.
func sortExpression(p query.Path, now time.Time) (string, []interface{}, error) {
	switch p.Field {
	case query.FieldAuthTokenExpired:
		return "CASE WHEN " + columns[query.FieldAuthTokenExpiration] + " < ? THEN 1 ELSE 0 END",
			[]interface{}{now.Unix()}, nil
	case query.FieldRefTokenExpired:
		col := columns[query.FieldRefTokenExpiration]
		return "CASE WHEN " + col + " IS NULL THEN NULL WHEN " + col + " < ? THEN 1 ELSE 0 END",
			[]interface{}{now.Unix()}, nil
	case query.FieldAuthTokenScope:
		return "(SELECT MIN(s.resource) FROM " + scopesTable + " s WHERE s.key_id = " + keysTable + ".id)", nil, nil
	case query.FieldAttribute:
		return "(SELECT a.value FROM " + attributesTable + " a WHERE a.key_id = " + keysTable + ".id AND a.name = ?)",
			[]interface{}{p.Attribute}, nil
	}
	col, ok := columns[p.Field]
	if !ok {
		return "", nil, fmt.Errorf("unknown sort field %q", p.Field)
	}
	return col, nil, nil
}

// lowerOrdering renders ordering as one ORDER BY clause. Absent values come
// first ascending and last descending; ties fall back to the id.
func lowerOrdering(ordering []query.Order, now time.Time) (clause.OrderBy, error) {
	parts := make([]string, 0, len(ordering)+1)
	var vars []interface{}
	for _, o := range ordering {
		expr, v, err := sortExpression(o.Path, now)
		if err != nil {
			return clause.OrderBy{}, err
		}
		nulls, dir := "DESC", "ASC"
		if o.Desc {
			nulls, dir = "ASC", "DESC"
		}
		parts = append(parts, "("+expr+") IS NULL "+nulls, expr+" "+dir)
		vars = append(vars, v...)
		vars = append(vars, v...)
	}
	parts = append(parts, keysTable+".id ASC")
	return clause.OrderBy{Expression: clause.Expr{
		SQL:                strings.Join(parts, ", "),
		Vars:               vars,
		WithoutParentheses: true,
	}}, nil
}
