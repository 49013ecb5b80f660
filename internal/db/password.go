package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/term"
)

// passwordCommandTimeout bounds password_command execution.
const passwordCommandTimeout = 5 * time.Second

// ErrNoTerminal is returned when a password prompt is needed but stdin is
// not a terminal (for example under a service manager).
var ErrNoTerminal = errors.New("no password available and stdin is not a terminal")

// GetPassword retrieves the database password using the following precedence:
// 1. Execute password_command if configured
// 2. Use PGPASSWORD environment variable if set
// 3. Prompt interactively for password
func GetPassword(passwordCommand string) (string, error) {
	if passwordCommand != "" {
		password, err := executePasswordCommand(passwordCommand, passwordCommandTimeout)
		if err != nil {
			return "", fmt.Errorf("password command failed: %w", err)
		}
		return password, nil
	}

	// Try PGPASSWORD environment variable (even if empty)
	if password, exists := os.LookupEnv("PGPASSWORD"); exists {
		return password, nil
	}

	password, err := promptForPassword()
	if err != nil {
		return "", fmt.Errorf("interactive password prompt failed: %w", err)
	}
	return password, nil
}

// executePasswordCommand runs command and returns its trimmed stdout.
func executePasswordCommand(command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Split on spaces; quoting is not supported
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", fmt.Errorf("empty password command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out after %s", timeout)
		}
		return "", fmt.Errorf("command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	password := strings.TrimSpace(stdout.String())
	if password == "" {
		return "", fmt.Errorf("command returned empty password")
	}
	return password, nil
}

// promptForPassword prompts the user to enter a password interactively
// The password input is hidden from the terminal
func promptForPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoTerminal
	}

	fmt.Fprint(os.Stderr, "Enter database password: ")
	passwordBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	password := string(passwordBytes)
	if password == "" {
		return "", fmt.Errorf("empty password entered")
	}
	return password, nil
}
