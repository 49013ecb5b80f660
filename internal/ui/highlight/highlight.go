// Package highlight provides SQL syntax highlighting and formatting utilities.
package highlight

import (
	"bytes"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/fatih/color"
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// DefaultStyle is the chroma style used by SQL.
const DefaultStyle = "monokai"

// SQL applies syntax highlighting to SQL using Chroma.
// Uses PostgreSQL lexer with Monokai style, outputs ANSI terminal codes.
// Returns original string if highlighting fails or color output is off.
func SQL(sql string) string {
	return SQLWithStyle(sql, DefaultStyle)
}

// SQLWithStyle applies syntax highlighting with a custom style.
// Available styles: monokai, dracula, github, native, etc.
// See: https://xyproto.github.io/splash/docs/all.html
func SQLWithStyle(sql, style string) string {
	if sql == "" || color.NoColor {
		return sql
	}
	if style == "" {
		style = DefaultStyle
	}

	var buf bytes.Buffer
	if err := quick.Highlight(&buf, sql, "postgresql", "terminal256", style); err != nil {
		return sql
	}

	return buf.String()
}

// FormatSQL rewrites SQL into PostgreSQL's canonical deparsed form with each
// statement on its own line. Returns the original SQL if it does not parse.
func FormatSQL(sql string) string {
	if strings.TrimSpace(sql) == "" {
		return sql
	}

	tree, err := pg_query.Parse(sql)
	if err != nil || len(tree.GetStmts()) == 0 {
		return sql
	}

	var out []string
	for _, raw := range tree.GetStmts() {
		one := &pg_query.ParseResult{Stmts: []*pg_query.RawStmt{{Stmt: raw.GetStmt()}}}
		text, err := pg_query.Deparse(one)
		if err != nil {
			return sql
		}
		out = append(out, text+";")
	}

	return strings.Join(out, "\n")
}

// FormatAndHighlightSQL formats SQL and applies syntax highlighting.
// If formatting fails, applies highlighting to the original SQL.
func FormatAndHighlightSQL(sql string) string {
	return SQL(FormatSQL(sql))
}
