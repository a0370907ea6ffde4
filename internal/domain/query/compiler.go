package query

import (
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
)

// Parameter names accepted on key queries.
const (
	ParamPage                = "page"
	ParamSize                = "size"
	ParamSortBy              = "sortBy"
	ParamSortOrder           = "sortOrder"
	ParamFields              = "fields"
	ParamUserID              = "userId"
	ParamClientID            = "clientId"
	ParamCreated             = "created"
	ParamModified            = "modified"
	ParamAgencyCode          = "agencyCode"
	ParamAttributesAgency    = "attributesAgencyCode"
	ParamAuthTokenValue      = "authTokenValue"
	ParamAuthTokenScope      = "authTokenScope"
	ParamAuthTokenExpiration = "authTokenExpiration"
	ParamAuthTokenExpired    = "authTokenExpired"
	ParamRefTokenValue       = "refTokenValue"
	ParamRefTokenExpiration  = "refTokenExpiration"
	ParamRefTokenExpired     = "refTokenExpired"

	attributePrefix = "attributes"
)

var allowedParams = map[string]struct{}{
	ParamPage: {}, ParamSize: {}, ParamSortBy: {}, ParamSortOrder: {}, ParamFields: {},
	ParamUserID: {}, ParamClientID: {}, ParamCreated: {}, ParamModified: {},
	ParamAgencyCode: {}, ParamAttributesAgency: {},
	ParamAuthTokenValue: {}, ParamAuthTokenScope: {}, ParamAuthTokenExpiration: {}, ParamAuthTokenExpired: {},
	ParamRefTokenValue: {}, ParamRefTokenExpiration: {}, ParamRefTokenExpired: {},
}

type ruleKind int

const (
	stringRule ruleKind = iota
	integerRule
	expiredRule
)

type fieldRule struct {
	param string
	path  Path
	kind  ruleKind
}

// fixedRules is walked in order so compiled predicates are deterministic.
var fixedRules = []fieldRule{
	{ParamUserID, FieldPath(FieldUserID), stringRule},
	{ParamClientID, FieldPath(FieldClientID), stringRule},
	{ParamCreated, FieldPath(FieldCreated), integerRule},
	{ParamModified, FieldPath(FieldModified), integerRule},
	{ParamAgencyCode, AttributePath(constants.AgencyCodeAttribute), stringRule},
	{ParamAuthTokenValue, FieldPath(FieldAuthTokenValue), stringRule},
	{ParamAuthTokenScope, FieldPath(FieldAuthTokenScope), stringRule},
	{ParamAuthTokenExpiration, FieldPath(FieldAuthTokenExpiration), integerRule},
	{ParamAuthTokenExpired, FieldPath(FieldAuthTokenExpiration), expiredRule},
	{ParamRefTokenValue, FieldPath(FieldRefTokenValue), stringRule},
	{ParamRefTokenExpiration, FieldPath(FieldRefTokenExpiration), integerRule},
	{ParamRefTokenExpired, FieldPath(FieldRefTokenExpiration), expiredRule},
}

// Compiler translates request parameters into predicates and page specs.
// It holds no state beyond its clock.
type Compiler struct {
	now func() time.Time
}

// NewCompiler creates a Compiler. A nil clock uses time.Now.
func NewCompiler(now func() time.Time) *Compiler {
	if now == nil {
		now = time.Now
	}
	return &Compiler{now: now}
}

// IsAttributeParam reports whether name addresses the attribute bag dynamically.
func IsAttributeParam(name string) bool {
	return strings.HasPrefix(name, attributePrefix) && name != attributePrefix
}

// AttributeKey maps a dynamic attributesXxx parameter to attribute key xxx.
func AttributeKey(param string) string {
	rest := strings.TrimPrefix(param, attributePrefix)
	r, size := utf8.DecodeRuneInString(rest)
	if r == utf8.RuneError {
		return rest
	}
	return string(unicode.ToLower(r)) + rest[size:]
}

// Validate rejects any parameter outside the allow-list.
func (c *Compiler) Validate(params map[string]string) error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := allowedParams[name]; ok {
			continue
		}
		if IsAttributeParam(name) {
			continue
		}
		return errors.BadParameter(name, "unrecognized parameter: "+name)
	}
	return nil
}

// Compile validates params and returns the conjunction of one term per
// recognized filter key. Paging, sorting and projection keys produce no terms.
func (c *Compiler) Compile(params map[string]string) (Predicate, error) {
	if err := c.Validate(params); err != nil {
		return nil, err
	}
	now := c.now().Unix()

	terms := make([]Predicate, 0, len(params))
	for _, rule := range fixedRules {
		raw, ok := params[rule.param]
		if !ok {
			continue
		}
		term, err := buildTerm(rule, raw, now)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}

	dynamic := make([]string, 0)
	for name := range params {
		if IsAttributeParam(name) {
			dynamic = append(dynamic, name)
		}
	}
	sort.Strings(dynamic)
	for _, name := range dynamic {
		rule := fieldRule{param: name, path: AttributePath(AttributeKey(name)), kind: stringRule}
		term, err := buildTerm(rule, params[name], now)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}

	return And{Terms: terms}, nil
}

func buildTerm(rule fieldRule, raw string, now int64) (Predicate, error) {
	switch rule.kind {
	case integerRule:
		return integerTerm(rule.param, rule.path, raw)
	case expiredRule:
		if strings.EqualFold(raw, "true") {
			return Comparison{Path: rule.path, Op: OpLt, Value: IntValue(now)}, nil
		}
		return Comparison{Path: rule.path, Op: OpGt, Value: IntValue(now)}, nil
	default:
		return stringTerm(rule.path, raw), nil
	}
}

func stringTerm(path Path, raw string) Predicate {
	switch {
	case strings.HasSuffix(raw, "*"):
		return Comparison{Path: path, Op: OpContainsFold, Value: StringValue(strings.TrimSuffix(raw, "*"))}
	case strings.HasPrefix(raw, "$exists:true"):
		return Comparison{Path: path, Op: OpExists}
	case strings.HasPrefix(raw, "$exists:false"):
		return Comparison{Path: path, Op: OpNotExists}
	case strings.HasPrefix(raw, "$in:"):
		items := strings.Split(strings.TrimPrefix(raw, "$in:"), ",")
		or := Or{Terms: make([]Predicate, 0, len(items))}
		for _, item := range items {
			or.Terms = append(or.Terms, Eq(path, StringValue(item)))
		}
		return or
	default:
		return Eq(path, StringValue(raw))
	}
}

func integerTerm(param string, path Path, raw string) (Predicate, error) {
	for prefix, op := range map[string]Op{"$gt:": OpGt, "$lt:": OpLt, "$eq:": OpEq} {
		if rest, ok := strings.CutPrefix(raw, prefix); ok {
			n, err := parseInt(param, rest)
			if err != nil {
				return nil, err
			}
			return Comparison{Path: path, Op: op, Value: IntValue(n)}, nil
		}
	}
	switch {
	case strings.HasPrefix(raw, "$exists:true"):
		return Comparison{Path: path, Op: OpExists}, nil
	case strings.HasPrefix(raw, "$exists:false"):
		return Comparison{Path: path, Op: OpNotExists}, nil
	case strings.HasPrefix(raw, "$in:"):
		items := strings.Split(strings.TrimPrefix(raw, "$in:"), ",")
		or := Or{Terms: make([]Predicate, 0, len(items))}
		for _, item := range items {
			n, err := parseInt(param, item)
			if err != nil {
				return nil, err
			}
			or.Terms = append(or.Terms, Eq(path, IntValue(n)))
		}
		return or, nil
	}
	n, err := parseInt(param, raw)
	if err != nil {
		return nil, err
	}
	return Eq(path, IntValue(n)), nil
}

func parseInt(param, raw string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, errors.BadParameter(param, "not an integer: "+raw).WithCause(err)
	}
	return n, nil
}
