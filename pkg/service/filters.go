package service

import (
	"strings"

	"github.com/nimburion/docservice/pkg/repository/document"
)

// ApplyFilters bounds and orders q from p. Missing or mistyped parameters are skipped, as are
// negative values. A zero limit means no limit on every driver, so it is skipped too.
//
// Only the first comma of sort is turned into a space: "name,-age,title" becomes
// "name -age,title". This is a known limitation kept for compatibility.
func ApplyFilters(q *document.Query, p Params) *document.Query {
	if n, ok := p.Int(ParamLimit); ok && n > 0 {
		q.Limit(n)
	}
	if n, ok := p.Int(ParamOffset); ok && n >= 0 {
		q.Skip(n)
	}
	if sort, ok := p.String(ParamSort); ok {
		q.Sort(strings.Replace(sort, ",", " ", 1))
	}
	// search is accepted and ignored.
	return q
}
