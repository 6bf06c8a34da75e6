package local

import (
	"fmt"
	"regexp"
	"strings"
)

// The local backend accepts the search-query subset the resolver emits:
// field/operator/value clauses joined by AND, values optionally quoted.
// An ORDER BY suffix is tolerated and ignored; results always come back
// newest first.

var clauseRe = regexp.MustCompile(`^(\w+)\s*(>=|<=|!=|=|~|>|<)\s*(.+)$`)

var queryColumns = map[string]string{
	"project":  "project_key",
	"status":   "status",
	"assignee": "assignee",
	"type":     "type",
	"priority": "priority",
	"created":  "created_at",
	"updated":  "created_at",
	"resolved": "resolved_at",
	"summary":  "summary",
	"text":     "summary",
}

func parseQuery(query string) (string, []any, error) {
	query = strings.TrimSpace(query)
	if idx := indexFold(query, "ORDER BY"); idx >= 0 {
		query = strings.TrimSpace(query[:idx])
	}
	if query == "" {
		return "", nil, nil
	}
	var conds []string
	var args []any
	for _, clause := range splitFold(query, " AND ") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		m := clauseRe.FindStringSubmatch(clause)
		if m == nil {
			return "", nil, fmt.Errorf("unsupported query clause %q", clause)
		}
		field, op, value := strings.ToLower(m[1]), m[2], unquote(m[3])
		col, ok := queryColumns[field]
		if !ok {
			return "", nil, fmt.Errorf("unsupported query field %q", field)
		}
		switch op {
		case "~":
			conds = append(conds, col+" LIKE ? COLLATE NOCASE")
			args = append(args, "%"+value+"%")
		case "=", "!=":
			conds = append(conds, fmt.Sprintf("%s %s ? COLLATE NOCASE", col, op))
			args = append(args, value)
		default:
			conds = append(conds, fmt.Sprintf("%s %s ?", col, op))
			args = append(args, value)
		}
	}
	return strings.Join(conds, " AND "), args, nil
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func indexFold(s, sub string) int {
	return strings.Index(strings.ToUpper(s), strings.ToUpper(sub))
}

func splitFold(s, sep string) []string {
	upper := strings.ToUpper(s)
	sepUpper := strings.ToUpper(sep)
	var parts []string
	for {
		idx := strings.Index(upper, sepUpper)
		if idx < 0 {
			parts = append(parts, s)
			return parts
		}
		parts = append(parts, s[:idx])
		s = s[idx+len(sep):]
		upper = upper[idx+len(sepUpper):]
	}
}
