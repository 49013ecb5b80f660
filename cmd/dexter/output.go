package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"
)

var outputFormats = []string{"text", "json", "yaml"}

// validateOutput checks an --output value.
func validateOutput(format string) error {
	if !slices.Contains(outputFormats, format) {
		return fmt.Errorf("--output must be one of: %v, got %s", outputFormats, format)
	}
	return nil
}

// writeStructured encodes v as indented JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported output format %q", format)
}
