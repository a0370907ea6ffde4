package query

import (
	"sort"
	"strings"
	"time"

	"github.com/turtacn/keystore/internal/domain/models"
)

// Match evaluates p against k in process.
func Match(p Predicate, k *models.Key) bool {
	switch p := p.(type) {
	case nil:
		return true
	case And:
		for _, t := range p.Terms {
			if !Match(t, k) {
				return false
			}
		}
		return true
	case Or:
		for _, t := range p.Terms {
			if Match(t, k) {
				return true
			}
		}
		return false
	case Comparison:
		return matchComparison(p, k)
	}
	return false
}

func matchComparison(c Comparison, k *models.Key) bool {
	if c.Path.IsInteger() {
		n, ok := integerAt(c.Path, k)
		switch c.Op {
		case OpExists:
			return ok
		case OpNotExists:
			return !ok
		case OpEq:
			return ok && n == c.Value.Int()
		case OpGt:
			return ok && n > c.Value.Int()
		case OpLt:
			return ok && n < c.Value.Int()
		}
		return false
	}

	values, ok := stringsAt(c.Path, k)
	switch c.Op {
	case OpExists:
		return ok
	case OpNotExists:
		return !ok
	}
	for _, v := range values {
		switch c.Op {
		case OpEq:
			if v == c.Value.Str() {
				return true
			}
		case OpContainsFold:
			if strings.Contains(strings.ToLower(v), strings.ToLower(c.Value.Str())) {
				return true
			}
		}
	}
	return false
}

func integerAt(p Path, k *models.Key) (int64, bool) {
	switch p.Field {
	case FieldCreated:
		return k.Created, true
	case FieldModified:
		return k.Modified, true
	case FieldAuthTokenExpiration:
		return k.AuthToken.Expiration, true
	case FieldRefTokenExpiration:
		if k.RefToken == nil {
			return 0, false
		}
		return k.RefToken.Expiration, true
	}
	return 0, false
}

// stringsAt returns every string at p; scope paths are multi-valued.
func stringsAt(p Path, k *models.Key) ([]string, bool) {
	switch p.Field {
	case FieldUserID:
		return []string{k.UserID}, true
	case FieldClientID:
		return []string{k.ClientID}, true
	case FieldAuthTokenValue:
		return []string{k.AuthToken.Value}, true
	case FieldRefTokenValue:
		if k.RefToken == nil {
			return nil, false
		}
		return []string{k.RefToken.Value}, true
	case FieldAuthTokenScope:
		if len(k.AuthToken.Scope) == 0 {
			return nil, false
		}
		out := make([]string, len(k.AuthToken.Scope))
		for i, r := range k.AuthToken.Scope {
			out[i] = r.Resource
		}
		return out, true
	case FieldAttribute:
		if k.Attributes == nil {
			return nil, false
		}
		v, ok := k.Attributes[p.Attribute]
		if !ok {
			return nil, false
		}
		return []string{v}, true
	}
	return nil, false
}

// sortValue is one comparable component of a sort key; absent values sort first.
type sortValue struct {
	present bool
	num     int64
	str     string
	isNum   bool
}

func sortValueAt(p Path, k *models.Key, now time.Time) sortValue {
	switch p.Field {
	case FieldAuthTokenExpired:
		return boolSortValue(k.AuthToken.IsExpiredAt(now))
	case FieldRefTokenExpired:
		if k.RefToken == nil {
			return sortValue{}
		}
		return boolSortValue(k.RefToken.IsExpiredAt(now))
	case FieldAuthTokenScope:
		values, ok := stringsAt(p, k)
		if !ok {
			return sortValue{}
		}
		sort.Strings(values)
		return sortValue{present: true, str: values[0]}
	}
	if p.IsInteger() {
		n, ok := integerAt(p, k)
		return sortValue{present: ok, num: n, isNum: true}
	}
	values, ok := stringsAt(p, k)
	if !ok {
		return sortValue{}
	}
	return sortValue{present: true, str: values[0]}
}

func boolSortValue(b bool) sortValue {
	if b {
		return sortValue{present: true, num: 1, isNum: true}
	}
	return sortValue{present: true, num: 0, isNum: true}
}

func compareSortValues(a, b sortValue) int {
	switch {
	case !a.present && !b.present:
		return 0
	case !a.present:
		return -1
	case !b.present:
		return 1
	case a.isNum:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
		return 0
	}
	return strings.Compare(a.str, b.str)
}

// Sort orders keys in place by ordering, breaking ties by id.
func Sort(keys []*models.Key, ordering []Order, now time.Time) {
	sort.SliceStable(keys, func(i, j int) bool {
		for _, o := range ordering {
			c := compareSortValues(sortValueAt(o.Path, keys[i], now), sortValueAt(o.Path, keys[j], now))
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return keys[i].ID < keys[j].ID
	})
}
