// Package search turns browse parameters for tuition posts into a normalized,
// database-agnostic Query: a folded search term plus a whitelisted sort key.
// It performs no I/O; the repository layer renders a Query into SQL through
// LikePattern and OrderClause.
//
// Matching is a case-insensitive substring test over subject and location.
// Terms are lowercased with golang.org/x/text/cases so callers and SQL LOWER()
// agree on the folded form.
package search

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SortKey names a supported ordering of the browse feed.
type SortKey string

const (
	SortLatest   SortKey = "latest"
	SortLocation SortKey = "location"
	SortClass    SortKey = "class"
	SortSubject  SortKey = "subject"
)

// maxTermRunes caps the search term so LIKE patterns stay bounded.
const maxTermRunes = 100

// Query is a normalized browse request.
type Query struct {
	Term string  // lowercased, trimmed; empty means no filter
	Sort SortKey // always one of the SortKey constants
}

// ParseSort maps user input to a SortKey. Unknown or empty values fall back
// to SortLatest.
func ParseSort(s string) SortKey {
	switch SortKey(strings.ToLower(strings.TrimSpace(s))) {
	case SortLocation:
		return SortLocation
	case SortClass:
		return SortClass
	case SortSubject:
		return SortSubject
	default:
		return SortLatest
	}
}

// NewQuery builds a Query from raw request parameters.
func NewQuery(term, sort string) Query {
	return Query{Term: Fold(term), Sort: ParseSort(sort)}
}

// Fold trims, collapses inner whitespace, truncates and lowercases s.
func Fold(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	if r := []rune(s); len(r) > maxTermRunes {
		s = string(r[:maxTermRunes])
	}
	return cases.Lower(language.Und).String(s)
}

// LikePattern returns the term as a LIKE pattern with '%', '_' and the
// escape character itself escaped by '\'. Use with ESCAPE '\'.
func (q Query) LikePattern() string {
	if q.Term == "" {
		return ""
	}
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q.Term) + "%"
}

// OrderClause renders the sort key as a SQL ORDER BY body. Ties always
// break on newest first, then id, so paging is stable.
func (q Query) OrderClause() string {
	switch q.Sort {
	case SortLocation:
		return "location ASC, created_at DESC, id ASC"
	case SortClass:
		return "class_level ASC, created_at DESC, id ASC"
	case SortSubject:
		return "subject ASC, created_at DESC, id ASC"
	default:
		return "created_at DESC, id ASC"
	}
}
