// Package telemetry parses schema-driven telemetry frames.
package telemetry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bluerobotics/device-gateway/internal/definitions"
)

// Parse extracts and formats the telemetry payload of line for the given
// device. The marker "<ID_UPPER>_TELEM:" is located case-insensitively; a
// line without it yields an empty map. For every schema field present in
// the payload both the raw value and a "<field>_formatted" entry are
// produced; unknown fields are stored raw only. Per-field failures never
// abort the parse.
func Parse(line, id string, schema map[string]definitions.FieldSpec) map[string]string {
	parsed := make(map[string]string)

	marker := strings.ToUpper(id) + "_TELEM:"
	idx := strings.Index(strings.ToUpper(line), marker)
	if idx < 0 {
		return parsed
	}
	payload := strings.TrimSpace(line[idx+len(marker):])
	if payload == "" {
		return parsed
	}

	for key, value := range splitPairs(payload) {
		parsed[key] = value

		spec, ok := schema[key]
		if !ok {
			continue
		}
		parsed[key+"_formatted"] = formatField(value, spec)
	}

	return parsed
}

// splitPairs detects the payload format and splits it into key/value pairs.
// "k=v;k=v" when ';' and '=' appear, "k:v,k:v" when ':' does, and a lone
// "k=v" pair still counts as the first form. Pairs without a delimiter are
// skipped.
func splitPairs(payload string) map[string]string {
	var sep, delim string
	switch {
	case strings.Contains(payload, ";") && strings.Contains(payload, "="):
		sep, delim = ";", "="
	case strings.Contains(payload, ":"):
		sep, delim = ",", ":"
	case strings.Contains(payload, "="):
		sep, delim = ";", "="
	default:
		return nil
	}

	pairs := make(map[string]string)
	for _, pair := range strings.Split(payload, sep) {
		key, value, ok := strings.Cut(pair, delim)
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		pairs[key] = strings.TrimSpace(value)
	}
	return pairs
}

// formatField renders a raw value according to its FieldSpec.
func formatField(value string, spec definitions.FieldSpec) string {
	if spec.Map != nil {
		if label, ok := spec.Map[value]; ok {
			return label
		}
	}

	switch spec.Type {
	case "float", "int":
		v := parseNumber(value)
		if spec.Multiplier != nil {
			v *= *spec.Multiplier
		}
		var formatted string
		if spec.Precision != nil {
			formatted = strconv.FormatFloat(v, 'f', *spec.Precision, 64)
		} else {
			formatted = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if spec.Unit != "" {
			formatted = fmt.Sprintf("%s %s", formatted, spec.Unit)
		}
		return formatted
	default:
		return value
	}
}

// parseNumber interprets a wire value as a decimal float, tolerating
// whitespace and a trailing dot. Unparseable values fall back to 0.0.
func parseNumber(value string) float64 {
	trimmed := strings.TrimSuffix(strings.TrimSpace(value), ".")
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0.0
	}
	return v
}
