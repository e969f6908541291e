package query

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	tableIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
	wordRe     = regexp.MustCompile(`[a-z_][a-z0-9_]*`)
)

// StateCountsSQL counts distinct accredited facilities per location.state.
// Facilities with no accreditations are left out.
func StateCountsSQL(qualifiedTable string) (string, error) {
	if !tableIdent.MatchString(qualifiedTable) {
		return "", fmt.Errorf("invalid table identifier %q", qualifiedTable)
	}
	return fmt.Sprintf(`SELECT
    location.state AS state,
    COUNT(DISTINCT facility_id) AS accredited_facility_count
FROM %s
WHERE cardinality(accreditations) > 0
GROUP BY location.state
ORDER BY location.state`, qualifiedTable), nil
}

// ValidateReadOnly rejects anything but a single SELECT (or WITH ... SELECT)
// statement: no semicolons, no comments, no DDL/DML keywords.
func ValidateReadOnly(sql string) error {
	s := strings.TrimSpace(sql)
	if s == "" {
		return fmt.Errorf("empty sql")
	}
	low := strings.ToLower(s)

	if strings.Contains(low, ";") {
		return fmt.Errorf("semicolon not allowed")
	}
	if strings.Contains(low, "--") || strings.Contains(low, "/*") || strings.Contains(low, "*/") {
		return fmt.Errorf("comments not allowed")
	}
	if !(strings.HasPrefix(low, "select") || strings.HasPrefix(low, "with")) {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	words := wordRe.FindAllString(low, -1)
	block := map[string]bool{
		"insert": true, "update": true, "delete": true, "merge": true, "drop": true, "alter": true,
		"create": true, "truncate": true, "grant": true, "revoke": true, "call": true,
		"execute": true, "prepare": true, "deallocate": true, "msck": true, "unload": true,
	}
	for _, w := range words {
		if block[w] {
			return fmt.Errorf("disallowed keyword: %s", w)
		}
	}
	return nil
}
