package pg

import (
	"fmt"
	"strings"
)

func limitOffsetClause(page, limit int) string {
	if limit <= 0 {
		return ""
	}
	if page > 0 {
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, page*limit)
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

// parseLike converts a pattern to be used by LIKE:
// "*" is replaced by "%", "?" by "_" and a (?i) suffix means case-insensitive.
// Returns the operator to use: =, LIKE or ILIKE
func parseLike(pattern string) (string, string) {
	operator := "LIKE"
	if p, ok := strings.CutSuffix(pattern, "(?i)"); ok {
		pattern, operator = p, "ILIKE"
	}
	escaped := strings.NewReplacer("_", "\\_", "%", "\\%").Replace(pattern)
	like := strings.NewReplacer("*", "%", "?", "_").Replace(escaped)
	if like == escaped && operator == "LIKE" {
		return pattern, "="
	}
	return like, operator
}

// whereClause joins conditions with AND, numbering their parameters
type whereClause struct {
	Parameters []interface{}
	conditions []string
}

// and appends a condition. Its "%d" verbs are replaced by the positions of the parameters
func (wc *whereClause) and(condition string, parameters ...interface{}) {
	positions := make([]interface{}, len(parameters))
	for i := range parameters {
		positions[i] = len(wc.Parameters) + i + 1
	}
	wc.Parameters = append(wc.Parameters, parameters...)
	wc.conditions = append(wc.conditions, fmt.Sprintf(condition, positions...))
}

func (wc whereClause) String() string {
	if len(wc.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(wc.conditions, " AND ")
}
