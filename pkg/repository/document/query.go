package document

import "strings"

// SortOrder defines the direction of sorting.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Sort specifies field and direction for sorting results.
type Sort struct {
	Field string
	Order SortOrder
}

// Query is a chainable query builder handed to Collection.Find.
// Unset limit and skip mean "no bound".
type Query struct {
	filter Filter
	limit  *int64
	skip   *int64
	sort   string
}

// NewQuery returns a query over filter. A nil filter matches every document.
func NewQuery(filter Filter) *Query {
	if filter == nil {
		filter = Filter{}
	}
	return &Query{filter: filter}
}

// Limit bounds the number of returned documents.
func (q *Query) Limit(n int64) *Query {
	q.limit = &n
	return q
}

// Skip drops the first n matching documents.
func (q *Query) Skip(n int64) *Query {
	q.skip = &n
	return q
}

// Sort sets a space-separated sort specification, e.g. "name -age".
func (q *Query) Sort(spec string) *Query {
	q.sort = spec
	return q
}

// Filter returns the query filter.
func (q *Query) Filter() Filter {
	return q.filter
}

// LimitValue returns the limit and whether one was set.
func (q *Query) LimitValue() (int64, bool) {
	if q.limit == nil {
		return 0, false
	}
	return *q.limit, true
}

// SkipValue returns the skip count and whether one was set.
func (q *Query) SkipValue() (int64, bool) {
	if q.skip == nil {
		return 0, false
	}
	return *q.skip, true
}

// SortSpec returns the raw sort specification.
func (q *Query) SortSpec() string {
	return q.sort
}

// SortFields parses the sort specification into ordered fields.
// Tokens are whitespace separated; a leading "-" means descending, a leading "+" ascending.
func (q *Query) SortFields() []Sort {
	return ParseSortSpec(q.sort)
}

// ParseSortSpec parses a space-separated sort specification.
func ParseSortSpec(spec string) []Sort {
	tokens := strings.Fields(spec)
	if len(tokens) == 0 {
		return nil
	}
	fields := make([]Sort, 0, len(tokens))
	for _, tok := range tokens {
		order := SortAsc
		switch tok[0] {
		case '-':
			order = SortDesc
			tok = tok[1:]
		case '+':
			tok = tok[1:]
		}
		if tok == "" {
			continue
		}
		fields = append(fields, Sort{Field: tok, Order: order})
	}
	return fields
}
