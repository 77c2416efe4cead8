package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/winupdate/internal/winupdate"
)

// Supported output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Render writes r in the given format. An empty format means text.
func Render(w io.Writer, r *winupdate.Report, format string) error {
	if f := strings.ToLower(format); f == "" || f == FormatText {
		return renderText(w, r)
	}
	return Encode(w, r, format)
}

// Encode writes v as JSON or YAML.
func Encode(w io.Writer, v any, format string) error {
	switch strings.ToLower(format) {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown report format %q", format)
}

// Extension returns the file extension for format.
func Extension(format string) string {
	switch strings.ToLower(format) {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	}
	return "txt"
}

func contentType(format string) string {
	switch strings.ToLower(format) {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	}
	return "text/plain; charset=utf-8"
}

// renderText mirrors what an operator reads on the console: the operation
// output first, then the phase log.
func renderText(w io.Writer, r *winupdate.Report) error {
	var b strings.Builder
	status := "succeeded"
	if !r.Success {
		status = "failed"
	}
	fmt.Fprintf(&b, "%s %s (run %s)\n", r.Operation, status, r.RunID)
	if r.Output != "" {
		b.WriteString(r.Output)
		if !strings.HasSuffix(r.Output, "\n") {
			b.WriteByte('\n')
		}
	}
	if r.Comment != "" {
		b.WriteString(r.Comment)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}
	if r.RebootRequired {
		b.WriteString("A reboot is required to finish installing updates.\n")
	}
	if r.PendingReboot {
		fmt.Fprintf(&b, "Pending reboot: %s\n", strings.Join(r.PendingRebootReasons, "; "))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
