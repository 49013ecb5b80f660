package app

import (
	"fmt"
	"strings"
)

// connectionHints maps error fragments to troubleshooting steps.
var connectionHints = []struct {
	match []string
	title string
	steps []string
}{
	{
		match: []string{"connection refused"},
		title: "Connection refused: PostgreSQL is not accepting connections.",
		steps: []string{
			"Verify PostgreSQL is running and listening on the configured port",
			"Verify firewall settings allow the connection",
		},
	},
	{
		match: []string{"password authentication failed", "authentication failed"},
		title: "Authentication failed: invalid username or password.",
		steps: []string{
			"Check connection.password_command in config.yaml",
			"Ensure PGPASSWORD is set when using environment auth",
		},
	},
	{
		match: []string{"no such host", "unknown host"},
		title: "Host not found: cannot resolve hostname.",
		steps: []string{
			"Verify connection.host in your configuration",
			"Try the IP address instead of the hostname",
		},
	},
	{
		match: []string{"timeout", "deadline exceeded"},
		title: "Connection timeout: the database did not respond in time.",
		steps: []string{
			"Check network connectivity to the database server",
		},
	},
	{
		match: []string{"SSL", "TLS"},
		title: "SSL/TLS error: secure connection failed.",
		steps: []string{
			"Verify connection.sslrootcert, sslcert and sslkey paths",
			"Check whether the server requires SSL (pg_hba.conf)",
		},
	},
	{
		match: []string{"permission denied"},
		title: "Permission denied: the user cannot read the catalog.",
		steps: []string{
			"Grant CONNECT on the database to the configured user",
		},
	},
}

// FormatConnectionError formats a connection error with actionable guidance.
// Relation resolution is optional, so the message also says how to turn it off.
func FormatConnectionError(err error) string {
	errMsg := err.Error()

	var b strings.Builder
	title := "Database connection error."
	var steps []string
	for _, h := range connectionHints {
		if containsAny(errMsg, h.match) {
			title, steps = h.title, h.steps
			break
		}
	}

	b.WriteString(title + "\n\n")
	steps = append(steps, "Set connection.enabled: false to analyze without resolving relation OIDs")
	b.WriteString("Troubleshooting steps:\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
	}
	fmt.Fprintf(&b, "\nOriginal error: %s", errMsg)
	return b.String()
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
