package highlight

import (
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func withColor(t *testing.T, on bool) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = !on
	t.Cleanup(func() { color.NoColor = prev })
}

// TestSQL tests that highlighting adds ANSI codes only when color is on.
func TestSQL(t *testing.T) {
	query := "SELECT id FROM accounts WHERE id = 1"

	withColor(t, true)
	got := SQL(query)
	assert.Contains(t, got, "\x1b[")
	assert.Contains(t, got, "accounts")

	color.NoColor = true
	assert.Equal(t, query, SQL(query))
	assert.Equal(t, "", SQL(""))
}

// TestFormatSQL tests canonical deparsing and the fallback for invalid SQL.
func TestFormatSQL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"select   id from accounts where id=1", "SELECT id FROM accounts WHERE id = 1;"},
		{"update ledger set amount = 1; delete from ledger", "UPDATE ledger SET amount = 1;\nDELETE FROM ledger;"},
		{"UPDATE accounts SET", "UPDATE accounts SET"},
		{"   ", "   "},
	}

	for _, tt := range tests {
		got := FormatSQL(tt.in)
		if got != tt.want {
			t.Errorf("FormatSQL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestFormatAndHighlightSQL tests the combined path without color.
func TestFormatAndHighlightSQL(t *testing.T) {
	withColor(t, false)
	got := FormatAndHighlightSQL("select 1")
	assert.True(t, strings.HasPrefix(got, "SELECT 1"), got)
}
