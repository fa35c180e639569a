package serialmux

import "strings"

const (
	LineTypeFrame      = "frame"
	LineTypeDiagnostic = "diagnostic"
	LineTypeEmpty      = "empty"
)

// ClassifyLine tells frame payloads apart from the free-text diagnostics the
// radar bridge prints on the same port. Frames are single-line JSON objects.
func ClassifyLine(line string) string {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return LineTypeEmpty
	case strings.HasPrefix(trimmed, "{"):
		return LineTypeFrame
	default:
		return LineTypeDiagnostic
	}
}
