package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/keydeck/keydeck/internal/config"
	"github.com/keydeck/keydeck/internal/errors"
	"github.com/keydeck/keydeck/internal/telemetry"
)

// checksumPreviewLen is the hex prefix length shown in previews. The preview
// is a prefix of the export checksum, not a separate digest, so a human can
// cross-check the two before committing to an export.
const checksumPreviewLen = 12

// ProgressFunc receives the cumulative number of records processed while a
// phase runs. The caller supplies the denominator from the count-only pass.
type ProgressFunc func(done int)

// Assembler produces manifests, checksums, and canonical record bytes from
// telemetry. It is used both for previews (ephemeral) and as the first two
// stages of an export.
type Assembler struct {
	Source telemetry.Source
	Cfg    *config.Config
}

// NewAssembler creates an Assembler over the given source and config.
func NewAssembler(src telemetry.Source, cfg *config.Config) *Assembler {
	return &Assembler{Source: src, Cfg: cfg}
}

// Collection holds the raw records admitted during the collecting stage,
// keyed by kind, each slice ordered by (ts_ns, id) ascending.
type Collection struct {
	Records   map[telemetry.Kind][]telemetry.Record
	Truncated bool
	Admitted  int
}

// EncodedRecord is one redacted record in canonical byte form.
type EncodedRecord struct {
	Kind telemetry.Kind
	ID   string
	Data []byte
}

// Sealed is the deterministic output of collect + redact: everything needed
// to answer a preview or write an artifact.
type Sealed struct {
	Manifest           Manifest
	Counts             Counts
	Truncated          bool
	EstimatedSizeBytes int64
	Checksum           string
	Records            []EncodedRecord
}

// Preview derives the ephemeral preview view.
func (s *Sealed) Preview() *Preview {
	return &Preview{
		Counts:             s.Counts,
		EstimatedSizeBytes: s.EstimatedSizeBytes,
		ChecksumPreview:    s.Checksum[:checksumPreviewLen],
		Truncated:          s.Truncated,
		Manifest:           s.Manifest,
	}
}

// EstimateTotal runs the count-only pass over the adapters: the sum of
// per-kind counts, each clamped to its cap. Used as the denominator for
// export progress before committing to full collection.
func (a *Assembler) EstimateTotal(ctx context.Context, req Request) (int, error) {
	q := query(req)
	total := 0
	for _, kind := range req.Includes {
		n, err := a.Source.Count(ctx, kind, q)
		if err != nil {
			if ctx.Err() != nil {
				return 0, errors.NewCancelled("count")
			}
			return 0, errors.NewSourceUnavailable(string(kind), err)
		}
		if limit := a.Cfg.Cap(string(kind)); n > limit {
			n = limit
		}
		total += n
	}
	return total, nil
}

// Collect fetches each included kind and admits records oldest-first up to
// the per-kind cap. Exceeding a cap marks the collection truncated;
// admission is a deterministic prefix, never a subsample. Adapter failures
// abort collection with no partial result.
func (a *Assembler) Collect(ctx context.Context, req Request, progress ProgressFunc) (*Collection, error) {
	q := query(req)
	col := &Collection{Records: make(map[telemetry.Kind][]telemetry.Record, len(req.Includes))}

	for _, kind := range req.Includes {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelled("collect")
		}

		records, err := a.Source.Fetch(ctx, kind, q)
		if err != nil {
			// A fetch aborted by cancellation is a cancel, not an adapter
			// failure.
			if ctx.Err() != nil {
				return nil, errors.NewCancelled("collect")
			}
			return nil, errors.NewSourceUnavailable(string(kind), err)
		}

		limit := a.Cfg.Cap(string(kind))
		if len(records) > limit {
			records = records[:limit]
			col.Truncated = true
		}

		col.Records[kind] = records
		col.Admitted += len(records)
		if progress != nil {
			progress(col.Admitted)
		}
	}

	return col, nil
}

// Seal redacts the collected records, builds the manifest, and computes the
// content checksum. The digest covers the canonical manifest bytes followed
// by each record's canonical bytes in manifest order, so re-assembling the
// same request against unchanged telemetry reproduces an identical checksum.
func (a *Assembler) Seal(req Request, col *Collection, progress ProgressFunc) (*Sealed, error) {
	redactor := telemetry.Redactor{
		Profile:   req.Profile,
		TextLimit: a.Cfg.RedactTextMaxChars,
	}

	sealed := &Sealed{Truncated: col.Truncated}
	done := 0

	for _, kind := range telemetry.AllKinds {
		records, ok := col.Records[kind]
		if !ok {
			continue
		}

		// Already ascending by construction, but the ordering is a contract
		// downstream consumers rely on, so it is imposed explicitly.
		sort.SliceStable(records, func(i, j int) bool {
			mi, mj := records[i].RecordMeta(), records[j].RecordMeta()
			if mi.TsNs != mj.TsNs {
				return mi.TsNs < mj.TsNs
			}
			return mi.ID < mj.ID
		})

		ids := make([]string, 0, len(records))
		for _, rec := range records {
			redacted := redactor.Redact(rec)
			data, err := canonicalRecord(redacted)
			if err != nil {
				return nil, err
			}

			meta := redacted.RecordMeta()
			ids = append(ids, meta.ID)
			sealed.Records = append(sealed.Records, EncodedRecord{Kind: kind, ID: meta.ID, Data: data})
			sealed.EstimatedSizeBytes += int64(len(data))

			done++
			if progress != nil {
				progress(done)
			}
		}

		sealed.Counts.set(kind, len(ids))
		sealed.Manifest.section(kind, ids)
	}

	checksum, err := sealed.digest()
	if err != nil {
		return nil, err
	}
	sealed.Checksum = checksum

	return sealed, nil
}

// Assemble runs collect + seal in one synchronous pass. This is the preview
// path; exports drive the two stages separately.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Sealed, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	col, err := a.Collect(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	return a.Seal(req, col, nil)
}

// canonicalRecord produces the canonical byte form of a redacted record:
// JSON with struct fields in declaration order and map keys sorted, which
// encoding/json guarantees. The same record always yields the same bytes.
func canonicalRecord(rec telemetry.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return data, nil
}

// CanonicalManifest returns the manifest's canonical byte form. Sections are
// emitted as empty arrays, never null, so the bytes are independent of how
// the manifest was built.
func (m Manifest) CanonicalManifest() ([]byte, error) {
	c := m
	if c.TimelineEventIDs == nil {
		c.TimelineEventIDs = []string{}
	}
	if c.LogEventIDs == nil {
		c.LogEventIDs = []string{}
	}
	if c.DiagnosticEventIDs == nil {
		c.DiagnosticEventIDs = []string{}
	}
	if c.MetricSnapshotIDs == nil {
		c.MetricSnapshotIDs = []string{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return data, nil
}

// digest hashes the canonical manifest bytes then every record's canonical
// bytes in manifest order.
func (s *Sealed) digest() (string, error) {
	manifestBytes, err := s.Manifest.CanonicalManifest()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(manifestBytes)
	h.Write([]byte{'\n'})
	for _, rec := range s.Records {
		h.Write(rec.Data)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Manifest) section(kind telemetry.Kind, ids []string) {
	switch kind {
	case telemetry.KindTimeline:
		m.TimelineEventIDs = ids
	case telemetry.KindLogs:
		m.LogEventIDs = ids
	case telemetry.KindDiagnostics:
		m.DiagnosticEventIDs = ids
	case telemetry.KindMetrics:
		m.MetricSnapshotIDs = ids
	}
}

func query(req Request) telemetry.Query {
	return telemetry.Query{
		Window:        req.Window,
		ConnectionIDs: req.ConnectionIDs,
		NamespaceID:   req.NamespaceID,
	}
}
