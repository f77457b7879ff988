// Package parser defines the external SQL parsing/analysis collaborator
// boundary. Per spec.md §1, SQL parsing and analysis is explicitly out of
// scope for the core; this package defines only the interface the Query
// Registry consumes (create() calls Parse before admitting a query) plus a
// minimal stub implementation sufficient to drive the end-to-end scenarios
// in spec.md §8 (trivial SELECT, SHOW CATALOGS, syntax errors, DDL) without
// a real distributed query planner.
package parser

import (
	"strings"

	"github.com/queryctl/coordinator/internal/querycore/exchange"
)

// Statement is the result of successfully parsing and analyzing a SQL
// string: enough information for the registry to decide whether the query
// has an output stage (a SELECT-shaped query) or not (DDL and session
// property statements synthesize a boolean result directly, per spec.md
// §4.5 step 5), and, for the stub implementation, the literal result to
// synthesize.
type Statement struct {
	Text                   string
	HasOutputStage         bool
	UpdateType             string // e.g. "CREATE TABLE"; only set when !HasOutputStage and non-empty
	Columns                []exchange.Column
	Rows                   [][]interface{}
	SetSessionProperties   map[string]string
	ResetSessionProperties []string
}

// Parser parses and analyzes a raw SQL string into a Statement, or returns a
// user-facing error (e.g. SYNTAX_ERROR) describing why it could not.
type Parser interface {
	Parse(sql string) (*Statement, error)
}

// SyntaxError is returned by Parse when a statement cannot be parsed. The
// registry turns it into a FAILED QueryHandle with ErrCodeSyntaxError
// without ever invoking admission, per spec.md §4.3.
type SyntaxError struct {
	Reason string
}

func (e *SyntaxError) Error() string { return "syntax error: " + e.Reason }

// StubParser is a minimal, deliberately non-exhaustive analyzer: it
// recognizes a handful of statement shapes (SELECT literal expressions,
// SHOW CATALOGS, and simple DDL verbs) well enough to exercise the
// Streaming Results Protocol end to end, and rejects anything else it
// cannot confidently classify as a syntax error. Real distributed query
// planning lives outside this module (spec.md §1).
type StubParser struct{}

// NewStubParser constructs the default parser collaborator.
func NewStubParser() *StubParser { return &StubParser{} }

var ddlVerbs = []string{"CREATE", "DROP", "ALTER", "GRANT", "REVOKE", "USE", "SET"}

func (StubParser) Parse(sql string) (*Statement, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return nil, &SyntaxError{Reason: "empty statement"}
	}

	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "SELECT"):
		return parseSelectLiteral(trimmed)
	case strings.HasPrefix(upper, "SHOW CATALOGS"):
		return &Statement{
			Text:           trimmed,
			HasOutputStage: true,
			Columns:        []exchange.Column{{Name: "Catalog", Type: "varchar", TypeSignature: exchange.TypeSignature{RawType: "varchar"}}},
			Rows:           [][]interface{}{{"system"}},
		}, nil
	case strings.HasPrefix(upper, "SET SESSION"):
		name, value, err := parseNameEqualsValue(strings.TrimSpace(trimmed[len("SET SESSION"):]))
		if err != nil {
			return nil, err
		}
		return &Statement{Text: trimmed, SetSessionProperties: map[string]string{name: value}}, nil
	case strings.HasPrefix(upper, "RESET SESSION"):
		name := strings.TrimSpace(trimmed[len("RESET SESSION"):])
		if name == "" {
			return nil, &SyntaxError{Reason: "expected property name after RESET SESSION"}
		}
		return &Statement{Text: trimmed, ResetSessionProperties: []string{name}}, nil
	default:
		for _, verb := range ddlVerbs {
			if strings.HasPrefix(upper, verb) {
				return &Statement{Text: trimmed, UpdateType: verb}, nil
			}
		}
		return nil, &SyntaxError{Reason: "unrecognized statement: " + firstWord(upper)}
	}
}

func parseNameEqualsValue(s string) (name, value string, err error) {
	idx := strings.Index(s, "=")
	if idx <= 0 {
		return "", "", &SyntaxError{Reason: "expected name=value after SET SESSION"}
	}
	name = strings.TrimSpace(s[:idx])
	value = strings.Trim(strings.TrimSpace(s[idx+1:]), "'\"")
	if name == "" {
		return "", "", &SyntaxError{Reason: "empty property name in SET SESSION"}
	}
	return name, value, nil
}

// parseSelectLiteral handles the trivial "SELECT <int>[, <int>...]" shape
// used by end-to-end scenario 1 (spec.md §8): no FROM clause, integer
// literals only, naming columns _col0, _col1, ... the way the teacher
// domain's source engine does for unlabeled projections.
func parseSelectLiteral(sql string) (*Statement, error) {
	body := strings.TrimSpace(sql[len("SELECT"):])
	if body == "" {
		return nil, &SyntaxError{Reason: "expected expression after SELECT"}
	}
	parts := strings.Split(body, ",")
	cols := make([]exchange.Column, 0, len(parts))
	row := make([]interface{}, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		n, err := parseIntLiteral(p)
		if err != nil {
			return nil, &SyntaxError{Reason: "unsupported SELECT expression: " + p}
		}
		cols = append(cols, exchange.Column{
			Name:          colName(i),
			Type:          "bigint",
			TypeSignature: exchange.TypeSignature{RawType: "bigint"},
		})
		row = append(row, n)
	}
	return &Statement{
		Text:           sql,
		HasOutputStage: true,
		Columns:        cols,
		Rows:           [][]interface{}{row},
	}, nil
}

func colName(i int) string {
	if i == 0 {
		return "_col0"
	}
	return "_col" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func parseIntLiteral(s string) (int64, error) {
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if s == "" {
		return 0, &SyntaxError{Reason: "empty literal"}
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, &SyntaxError{Reason: "not an integer literal"}
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

func firstWord(s string) string {
	if idx := strings.IndexAny(s, " \t\n"); idx >= 0 {
		return s[:idx]
	}
	return s
}
