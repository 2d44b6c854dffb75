// Package bidtable rebuilds item/price rows from the linearized text of a
// financial bid table. The upstream text extraction splits one logical table
// row across many physical lines (code, check-digit suffix, multi-line name,
// unit token, a run of price tokens), so reconstruction is a stateful scan
// over the line stream rather than a column parse.
package bidtable

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/procwatch/tender-crawler/internal/classify"
	"github.com/procwatch/tender-crawler/internal/tender"
)

// Config tunes the reconstruction scan.
type Config struct {
	// MaxBlankRun flushes the open row once this many consecutive blank
	// lines are seen.
	MaxBlankRun int
	// MinNameLen is the shortest name a row may carry and still be emitted.
	MinNameLen int
}

// Reconstructor converts extracted text bodies into bid tables.
type Reconstructor struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Reconstructor with defaults filled in.
func New(cfg Config, logger *zap.Logger) *Reconstructor {
	if cfg.MaxBlankRun <= 0 {
		cfg.MaxBlankRun = 3
	}
	if cfg.MinNameLen <= 0 {
		cfg.MinNameLen = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconstructor{cfg: cfg, logger: logger}
}

var (
	// CPV-style item codes: a fixed-width 8-digit group, optionally already
	// carrying its check-digit suffix on the same line.
	codeLine   = regexp.MustCompile(`^\d{8}(-\d)?$`)
	suffixLine = regexp.MustCompile(`^-\d$`)
	lotLine    = regexp.MustCompile(`(?i)^(?:lot|partija)\s+(\d+)\b[\s.:–-]*(.*)$`)
	totalLine  = regexp.MustCompile(`(?i)^(?:ukupno|total)\b`)
)

// rowBuffer accumulates the physical lines belonging to one logical row.
type rowBuffer struct {
	code      string
	textual   []string
	numeric   []float64
	sawSuffix bool
}

// Reconstruct scans the text body and returns the rebuilt table. It never
// fails: unparseable input yields an empty table with zero confidence, which
// the caller stores annotated rather than dropping.
func (r *Reconstructor) Reconstruct(text string) tender.BidTable {
	lines := strings.Split(text, "\n")

	var (
		rows      []tender.BidRow
		open      *rowBuffer
		blankRun  int
		lotNumber int
		lotDesc   string
		ordinal   int
	)

	flush := func() {
		if open == nil {
			return
		}
		if row, ok := r.assemble(open, lotNumber, lotDesc, ordinal+1); ok {
			rows = append(rows, row)
			ordinal++
		}
		open = nil
	}

	for _, raw := range lines {
		line := classify.NormalizeSpace(raw)

		if line == "" {
			blankRun++
			if open != nil && blankRun >= r.cfg.MaxBlankRun {
				flush()
			}
			continue
		}
		blankRun = 0

		if m := lotLine.FindStringSubmatch(line); m != nil {
			flush()
			lotNumber, _ = strconv.Atoi(m[1])
			lotDesc = strings.TrimSpace(m[2])
			continue
		}
		if totalLine.MatchString(line) {
			flush()
			continue
		}
		if codeLine.MatchString(line) {
			flush()
			open = &rowBuffer{code: line}
			continue
		}
		if open == nil {
			// Preamble text before the first code line carries no row data.
			continue
		}
		if !open.sawSuffix && len(open.textual) == 0 && len(open.numeric) == 0 &&
			suffixLine.MatchString(line) && !strings.Contains(open.code, "-") {
			open.code += line
			open.sawSuffix = true
			continue
		}
		if classify.IsLocaleNumber(line) {
			if v, err := classify.ParseDecimal(line); err == nil {
				open.numeric = append(open.numeric, v)
				continue
			}
		}
		open.textual = append(open.textual, line)
	}
	flush()

	return tender.BidTable{
		Rows:       rows,
		Confidence: confidence(rows),
	}
}

// assemble turns a buffered row into a BidRow. Textual lines join into the
// name unless one matches the unit vocabulary; the first such match becomes
// the unit and only the text before it is kept.
func (r *Reconstructor) assemble(buf *rowBuffer, lotNumber int, lotDesc string, ordinal int) (tender.BidRow, bool) {
	var nameParts []string
	unit := ""
	for _, line := range buf.textual {
		if unit == "" && classify.IsUnit(line) {
			unit = classify.CanonicalUnit(line)
			break
		}
		nameParts = append(nameParts, line)
	}
	name := strings.Join(nameParts, " ")
	if len([]rune(name)) < r.cfg.MinNameLen {
		if buf.code != "" {
			r.logger.Debug("dropping row without usable name",
				zap.String("code", buf.code),
				zap.Int("numeric_tokens", len(buf.numeric)),
			)
		}
		return tender.BidRow{}, false
	}

	row := tender.BidRow{
		Code:           buf.code,
		Name:           name,
		Unit:           unit,
		LotNumber:      lotNumber,
		LotDescription: lotDesc,
		Ordinal:        ordinal,
	}
	assignNumeric(&row, buf.numeric)
	return row, true
}

// assignNumeric maps captured numeric tokens onto the row positionally.
// Column alignment is lost once the source is linearized, so the token count
// decides which columns were present:
//
//	5 tokens: quantity, unit price, total excl tax, tax, total incl tax
//	4 tokens: tax omitted
//	3 tokens: tax and total incl omitted
//	2 tokens: quantity and total only
//	1 token:  total only
//
// With more than 5 tokens the first 5 are used and the rest ignored.
func assignNumeric(row *tender.BidRow, tokens []float64) {
	ptr := func(v float64) *float64 { return &v }
	switch {
	case len(tokens) >= 5:
		row.Quantity = ptr(tokens[0])
		row.UnitPrice = ptr(tokens[1])
		row.TotalExclTax = ptr(tokens[2])
		row.TaxAmount = ptr(tokens[3])
		row.TotalInclTax = ptr(tokens[4])
	case len(tokens) == 4:
		row.Quantity = ptr(tokens[0])
		row.UnitPrice = ptr(tokens[1])
		row.TotalExclTax = ptr(tokens[2])
		row.TotalInclTax = ptr(tokens[3])
	case len(tokens) == 3:
		row.Quantity = ptr(tokens[0])
		row.UnitPrice = ptr(tokens[1])
		row.TotalExclTax = ptr(tokens[2])
	case len(tokens) == 2:
		row.Quantity = ptr(tokens[0])
		row.TotalInclTax = ptr(tokens[1])
	case len(tokens) == 1:
		row.TotalInclTax = ptr(tokens[0])
	}
}

// confidence scores the extraction from the row count and the fraction of
// rows carrying at least one price. Low scores flag the result for operator
// review; the rows are stored regardless.
func confidence(rows []tender.BidRow) float64 {
	if len(rows) == 0 {
		return 0
	}
	priced := 0
	for _, row := range rows {
		if row.Priced() {
			priced++
		}
	}
	pricedFrac := float64(priced) / float64(len(rows))
	rowFactor := math.Min(1, float64(len(rows))/3)
	return 0.4*rowFactor + 0.6*pricedFrac
}
