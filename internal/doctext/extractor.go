// Package doctext pulls the plain-text body out of downloaded documents so
// the bid-table reconstructor can run over it. PDF extraction goes through
// MuPDF; formats without a text layer are skipped, not errors.
package doctext

import (
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procwatch/tender-crawler/internal/tender"
)

// Extractor reads document text from files kept on local disk.
type Extractor struct {
	logger *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Text returns the document's text body. The second result reports whether
// the format carries extractable text at all; scanned images and office
// formats without a MuPDF backend come back unsupported so callers can
// skip them without logging an error.
func (e *Extractor) Text(doc tender.DownloadedDocument) (string, bool, error) {
	if doc.LocalPath == "" {
		return "", false, nil
	}
	switch strings.ToLower(filepath.Ext(doc.LocalPath)) {
	case ".pdf", ".xps", ".epub":
	default:
		return "", false, nil
	}
	text, err := fileText(doc.LocalPath)
	if err != nil {
		return "", true, err
	}
	e.logger.Debug("document text extracted",
		zap.String("path", doc.LocalPath),
		zap.Int("chars", len(text)),
	)
	return text, true, nil
}

// fileText concatenates the text of every page.
func fileText(path string) (string, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return "", eris.Wrapf(err, "open document %s", path)
	}
	defer doc.Close()

	var sb strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		pageText, err := doc.Text(i)
		if err != nil {
			return "", eris.Wrapf(err, "read page %d of %s", i+1, path)
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
