package bundle

import (
	"fmt"
	"strings"
	"time"
)

// Report renders a human-readable markdown summary of a catalog entry. The
// web surface converts it to HTML; the CLI prints it as-is.
func Report(b *Bundle) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Incident bundle %s\n\n", b.ID)
	fmt.Fprintf(&sb, "Created %s · profile `%s`\n\n", formatMillis(b.CreatedAt), b.Profile)

	sb.WriteString("| Kind | Records |\n|------|--------|\n")
	fmt.Fprintf(&sb, "| Timeline events | %d |\n", b.Counts.Timeline)
	fmt.Fprintf(&sb, "| Log events | %d |\n", b.Counts.Logs)
	fmt.Fprintf(&sb, "| Diagnostics | %d |\n", b.Counts.Diagnostics)
	fmt.Fprintf(&sb, "| Metric snapshots | %d |\n", b.Counts.Metrics)
	fmt.Fprintf(&sb, "\nTotal: **%d** records, %d bytes on disk.\n\n", b.Counts.Total(), b.SizeBytes)

	if b.Truncated {
		sb.WriteString("> One or more kinds exceeded their record cap; oldest records were kept.\n\n")
	}
	if b.NamespaceID != nil {
		fmt.Fprintf(&sb, "Namespace: `%s`\n\n", *b.NamespaceID)
	}

	fmt.Fprintf(&sb, "Checksum (SHA-256): `%s`\n\n", b.Checksum)
	fmt.Fprintf(&sb, "Artifact: `%s` (export job `%s`)\n", b.Destination, b.JobID)

	return sb.String()
}

// formatMillis formats a unix-millisecond timestamp as "2006-01-02 15:04" UTC.
func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04")
}
