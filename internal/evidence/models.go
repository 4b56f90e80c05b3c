// Package evidence holds the immutable captured-document boundary. Evidence
// is owned by the discovery subsystem; the pipeline consumes it read-only
// and never updates a record after creation — a changed source becomes new
// Evidence that supersedes the old record.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"regpipe/pkg/domain"
)

// ContentClass describes the captured document format.
type ContentClass string

const (
	ClassHTML       ContentClass = "HTML"
	ClassPDFText    ContentClass = "PDF_TEXT"
	ClassPDFScanned ContentClass = "PDF_SCANNED"
	ClassJSON       ContentClass = "JSON"
)

// ParseContentClass validates a content class string from the ingestion
// boundary.
func ParseContentClass(s string) (ContentClass, error) {
	switch c := ContentClass(s); c {
	case ClassHTML, ClassPDFText, ClassPDFScanned, ClassJSON:
		return c, nil
	default:
		return "", fmt.Errorf("unknown content class %q", s)
	}
}

// Evidence is one immutable captured source document.
type Evidence struct {
	ID           domain.EvidenceID
	ContentHash  string
	RawContent   []byte
	ContentClass ContentClass
	// Text is the derived text artifact quotes are verified against. For
	// scanned PDFs this is the OCR output supplied by the discovery side.
	Text      string
	SourceURL string
	CreatedAt time.Time
}

// HashContent returns the hex SHA-256 of raw document bytes.
func HashContent(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
