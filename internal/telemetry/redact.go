package telemetry

import (
	"math"
	"regexp"
	"unicode/utf8"
)

// Profile names a redaction policy.
type Profile string

const (
	// ProfileDefault masks credential-like fields and truncates long
	// free-text payloads.
	ProfileDefault Profile = "default"

	// ProfileStrict additionally masks key names/patterns, connection
	// hostnames, and every field the source tagged as sensitive. Strict is a
	// strict superset of default: the strict pass runs the default rules
	// first, so every field masked under default is masked under strict.
	ProfileStrict Profile = "strict"
)

// ParseProfile maps a string to a Profile. Empty selects default.
func ParseProfile(s string) (Profile, bool) {
	switch Profile(s) {
	case "":
		return ProfileDefault, true
	case ProfileDefault, ProfileStrict:
		return Profile(s), true
	}
	return "", false
}

// Mask replaces redacted field values.
const Mask = "[redacted]"

// truncatedSuffix marks a free-text field cut at the length threshold.
const truncatedSuffix = "...[truncated]"

// credentialKey matches Extra attribute names that carry credential-like
// material.
var credentialKey = regexp.MustCompile(`(?i)(password|passwd|secret|token|credential|auth|api[-_]?key|private)`)

// Redactor maps raw records to sanitized copies. Pure: no I/O, no mutation
// of the input record, same output for the same input.
type Redactor struct {
	Profile Profile

	// TextLimit is the free-text length threshold in runes. Zero means the
	// package default.
	TextLimit int
}

const defaultTextLimit = 2048

// Redact returns a sanitized copy of rec under the redactor's profile.
// Malformed string fields (invalid UTF-8) are masked rather than rejected;
// redaction fails toward over-redaction, never toward an error.
func (r Redactor) Redact(rec Record) Record {
	limit := r.TextLimit
	if limit <= 0 {
		limit = defaultTextLimit
	}
	strict := r.Profile == ProfileStrict

	switch v := rec.(type) {
	case TimelineEvent:
		out := v
		out.Action = sanitize(v.Action)
		out.Detail = clip(sanitize(v.Detail), limit)
		out.KeyPattern = sanitize(v.KeyPattern)
		out.Extra = redactExtra(v.Extra, v.Sensitive, strict, limit)
		if strict && out.KeyPattern != "" {
			out.KeyPattern = Mask
		}
		return out

	case LogEvent:
		out := v
		out.Level = sanitize(v.Level)
		out.Message = clip(sanitize(v.Message), limit)
		out.Extra = redactExtra(v.Extra, v.Sensitive, strict, limit)
		return out

	case DiagnosticEvent:
		out := v
		out.Category = sanitize(v.Category)
		out.Host = sanitize(v.Host)
		out.ErrorText = clip(sanitize(v.ErrorText), limit)
		out.StackTrace = clip(sanitize(v.StackTrace), limit)
		out.Extra = redactExtra(v.Extra, v.Sensitive, strict, limit)
		if strict && out.Host != "" {
			out.Host = Mask
		}
		return out

	case MetricSnapshot:
		out := v
		out.Host = sanitize(v.Host)
		out.Values = copyValues(v.Values)
		out.Extra = redactExtra(v.Extra, v.Sensitive, strict, limit)
		if strict && out.Host != "" {
			out.Host = Mask
		}
		return out
	}

	// Unknown variants pass through untouched; the assembler only feeds the
	// four kinds above.
	return rec
}

// redactExtra applies the catch-all rule for the extra-attributes map:
// credential-like keys are always masked, adapter-tagged keys are masked
// under strict, and every surviving value is sanitized and clipped.
func redactExtra(extra map[string]string, sensitive []string, strict bool, limit int) map[string]string {
	if len(extra) == 0 {
		return nil
	}

	tagged := make(map[string]bool, len(sensitive))
	for _, k := range sensitive {
		tagged[k] = true
	}

	out := make(map[string]string, len(extra))
	for k, v := range extra {
		key := sanitize(k)
		switch {
		case key != k:
			// A malformed key collapses to the mask constant. Masking the
			// value too keeps the output independent of iteration order when
			// several malformed keys collide, and never carries a raw value
			// under a masked key.
			out[key] = Mask
		case credentialKey.MatchString(key):
			out[key] = Mask
		case strict && tagged[k]:
			out[key] = Mask
		default:
			out[key] = clip(sanitize(v), limit)
		}
	}
	return out
}

// sanitize masks strings that are not valid UTF-8.
func sanitize(s string) string {
	if !utf8.ValidString(s) {
		return Mask
	}
	return s
}

// clip truncates s to limit runes and appends the truncation marker.
func clip(s string, limit int) string {
	if s == Mask {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + truncatedSuffix
}

// copyValues copies the gauge map, dropping non-finite values. NaN and Inf
// are not representable in the canonical serialization; omission is the
// fail-safe, deterministic choice.
func copyValues(values map[string]float64) map[string]float64 {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]float64, len(values))
	for k, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
