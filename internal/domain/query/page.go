package query

import (
	"math"
	"strconv"
	"strings"

	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
)

// Order sorts by one path.
type Order struct {
	Path Path
	Desc bool
}

func (o Order) String() string {
	if o.Desc {
		return o.Path.String() + " DESC"
	}
	return o.Path.String() + " ASC"
}

// PageSpec selects one page of an ordered result.
type PageSpec struct {
	Page     int
	Size     int
	Ordering []Order
}

// Offset returns the number of records skipped before the page.
func (p PageSpec) Offset() int {
	return p.Page * p.Size
}

var sortAliases = strings.NewReplacer(
	"TokenValue", "Token.value",
	"TokenExpiration", "Token.expiration",
	"TokenExpired", "Token.expired",
	"TokenScope", "Token.scope.resource",
)

// SortAlias rewrites parameter-style field names into dotted record paths,
// e.g. authTokenValue to authToken.value and agencyCode to attributes.agencyCode.
func SortAlias(s string) string {
	s = sortAliases.Replace(s)
	s = strings.ReplaceAll(s, constants.AgencyCodeAttribute, "attributes."+constants.AgencyCodeAttribute)
	for strings.Contains(s, "attributes.attributes") {
		s = strings.ReplaceAll(s, "attributes.attributes", "attributes")
	}
	return s
}

// CompilePage reads page, size, sortBy and sortOrder.
// A comma-free sortOrder applies to every sortBy entry; a list aligns by
// position and entries without a direction sort ascending.
func (c *Compiler) CompilePage(params map[string]string) (PageSpec, error) {
	spec := PageSpec{Page: constants.DefaultPage, Size: constants.DefaultPageSize}

	if raw, ok := params[ParamPage]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 {
			return PageSpec{}, errors.BadParameter(ParamPage, "page must be a non-negative integer: "+raw)
		}
		spec.Page = n
	}
	if raw, ok := params[ParamSize]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 1 {
			return PageSpec{}, errors.BadParameter(ParamSize, "size must be a positive integer: "+raw)
		}
		spec.Size = n
	}
	if spec.Page > math.MaxInt/spec.Size {
		return PageSpec{}, errors.BadParameter(ParamPage, "page is out of range: "+strconv.Itoa(spec.Page))
	}

	rawSortBy, ok := params[ParamSortBy]
	if !ok || strings.TrimSpace(rawSortBy) == "" {
		return spec, nil
	}
	fields := strings.Split(SortAlias(rawSortBy), ",")

	var directions []string
	sharedDesc := false
	if rawOrder, ok := params[ParamSortOrder]; ok {
		if strings.Contains(rawOrder, ",") {
			directions = strings.Split(rawOrder, ",")
		} else {
			sharedDesc = isDesc(rawOrder)
		}
	}

	spec.Ordering = make([]Order, 0, len(fields))
	for i, f := range fields {
		path, ok := ParsePath(strings.TrimSpace(f))
		if !ok {
			return PageSpec{}, errors.BadParameter(ParamSortBy, "unsortable field: "+f)
		}
		desc := sharedDesc
		if directions != nil {
			desc = i < len(directions) && isDesc(directions[i])
		}
		spec.Ordering = append(spec.Ordering, Order{Path: path, Desc: desc})
	}
	return spec, nil
}

func isDesc(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "DESC")
}
