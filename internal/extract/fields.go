package extract

import (
	"strings"
	"time"

	"github.com/procwatch/tender-crawler/internal/classify"
)

// Canonical field names shared with downstream consumers.
const (
	FieldTenderID     = "tender_id"
	FieldTitle        = "title"
	FieldOrganization = "organization"
	FieldPublishedAt  = "published_at"
	FieldDeadlineAt   = "deadline_at"
	FieldUpdatedAt    = "updated_at"
	FieldEstValue     = "estimated_value"
	FieldStatus       = "status"
	FieldProcedure    = "procedure_type"
	FieldContactMail  = "contact_email"
)

func normalizeDate(s string) string {
	t, err := classify.ParseDate(s, time.UTC)
	if err != nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// normalizeEmail strips the mailto: scheme and any query suffix off href
// values so both strategies yield a bare address.
func normalizeEmail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	if len(s) >= 7 && strings.EqualFold(s[:7], "mailto:") {
		s = s[7:]
	}
	return strings.TrimSpace(s)
}

func normalizeAmount(s string) string {
	v, err := classify.ParseDecimal(s)
	if err != nil {
		return ""
	}
	// Canonical dot-decimal form with two places, matching the store schema.
	return classify.FormatAmount(v)
}

// PortalFields is the strategy table for the procurement portal's detail
// pages. Fallback order per field: structural selector first, then a text
// pattern, then the label-anchored lookup that survives most redesigns.
func PortalFields() []FieldSpec {
	return []FieldSpec{
		{
			Name:     FieldTenderID,
			Critical: true,
			Strategies: []Strategy{
				SelectorStrategy{Selector: "span.tender-reference"},
				Pattern(`(?i)reference\s+number[:\s]+([A-Z0-9/-]+)`),
				LabelStrategy{Label: "Broj nabavke"},
				LabelStrategy{Label: "Reference number"},
			},
		},
		{
			Name:     FieldTitle,
			Critical: true,
			Strategies: []Strategy{
				SelectorStrategy{Selector: "h1.tender-title"},
				SelectorStrategy{Selector: "div.detail-header h2"},
				LabelStrategy{Label: "Predmet nabavke"},
				LabelStrategy{Label: "Subject of procurement"},
			},
		},
		{
			Name:     FieldOrganization,
			Critical: true,
			Strategies: []Strategy{
				SelectorStrategy{Selector: "div.contracting-authority a"},
				LabelStrategy{Label: "Naručilac"},
				LabelStrategy{Label: "Contracting authority"},
			},
		},
		{
			Name:      FieldPublishedAt,
			Normalize: normalizeDate,
			Strategies: []Strategy{
				SelectorStrategy{Selector: "time.published", Attr: "datetime"},
				LabelStrategy{Label: "Datum objave"},
				LabelStrategy{Label: "Publication date"},
			},
		},
		{
			Name:      FieldDeadlineAt,
			Normalize: normalizeDate,
			Strategies: []Strategy{
				SelectorStrategy{Selector: "time.deadline", Attr: "datetime"},
				LabelStrategy{Label: "Rok za podnošenje"},
				LabelStrategy{Label: "Submission deadline"},
			},
		},
		{
			Name:      FieldUpdatedAt,
			Normalize: normalizeDate,
			Strategies: []Strategy{
				SelectorStrategy{Selector: "time.updated", Attr: "datetime"},
				LabelStrategy{Label: "Poslednja izmena"},
				LabelStrategy{Label: "Last updated"},
			},
		},
		{
			Name:      FieldEstValue,
			Normalize: normalizeAmount,
			Strategies: []Strategy{
				SelectorStrategy{Selector: "span.estimated-value"},
				Pattern(`(?i)procenjena\s+vrednost[:\s]+([\d.,]+)`),
				LabelStrategy{Label: "Estimated value"},
			},
		},
		{
			Name: FieldStatus,
			Strategies: []Strategy{
				SelectorStrategy{Selector: "span.tender-status"},
				LabelStrategy{Label: "Status"},
			},
		},
		{
			Name: FieldProcedure,
			Strategies: []Strategy{
				SelectorStrategy{Selector: "span.procedure-type"},
				LabelStrategy{Label: "Vrsta postupka"},
				LabelStrategy{Label: "Procedure type"},
			},
		},
		{
			Name:      FieldContactMail,
			Normalize: normalizeEmail,
			Strategies: []Strategy{
				SelectorStrategy{Selector: "a.contact-email", Attr: "href"},
				Pattern(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
			},
		},
	}
}
