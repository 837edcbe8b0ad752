package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// extractedField is the per-field shape the LLM engines are prompted to emit.
type extractedField struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	RawText    string  `json:"raw_text,omitempty"`
}

// BuildPrompt renders the extraction instruction for LLM-backed engines from
// the field registry.
func BuildPrompt(reg *model.FieldRegistry) string {
	var b strings.Builder
	b.WriteString("You extract structured data from Brazilian utility invoices.\n")
	b.WriteString("Return ONLY a JSON object of the form {\"fields\": {<key>: {\"value\": <typed value>, \"confidence\": <0..1>, \"raw_text\": <source text>}}}.\n")
	b.WriteString("Omit fields that are not present on the invoice. Dates use YYYY-MM-DD. Monetary values are plain numbers in R$.\n\nFields:\n")
	for _, f := range reg.Fields {
		b.WriteString("- ")
		b.WriteString(f.Key)
		b.WriteString(" (")
		b.WriteString(string(f.Kind))
		if f.Unit != "" {
			b.WriteString(", ")
			b.WriteString(f.Unit)
		}
		b.WriteString("): ")
		b.WriteString(f.Label)
		b.WriteString("\n")
	}
	return b.String()
}

// ParseExtractionJSON turns raw LLM output into field values, coercing each
// value to the registry's declared kind. Unknown keys and uncoercible values
// are dropped rather than failing the whole extraction.
func ParseExtractionJSON(engineName, raw string, reg *model.FieldRegistry) (map[string]model.FieldValue, error) {
	cleaned := stripCodeFence(raw)

	var payload struct {
		Fields map[string]extractedField `json:"fields"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, eris.Wrapf(err, "engine: %s returned malformed JSON", engineName)
	}
	if len(payload.Fields) == 0 {
		return nil, eris.Errorf("engine: %s returned no fields", engineName)
	}

	out := make(map[string]model.FieldValue, len(payload.Fields))
	for key, ef := range payload.Fields {
		def := reg.ByKey(key)
		if def == nil {
			continue
		}
		value, ok := coerceValue(ef.Value, def.Kind)
		if !ok {
			continue
		}
		out[key] = model.FieldValue{
			Key:        key,
			Value:      value,
			RawText:    ef.RawText,
			Engine:     engineName,
			Confidence: clampConfidence(ef.Confidence),
		}
	}
	if len(out) == 0 {
		return nil, eris.Errorf("engine: %s returned no usable fields", engineName)
	}
	return out, nil
}

// clampConfidence bounds an engine-supplied confidence to [0,1] so a value
// outside the range can never win merge precedence unfairly.
func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// stripCodeFence removes a surrounding markdown code fence, if any.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func coerceValue(v any, kind model.FieldKind) (any, bool) {
	if v == nil {
		return nil, false
	}
	if kind.Numeric() {
		switch n := v.(type) {
		case float64:
			return n, true
		case string:
			f, err := strconv.ParseFloat(normalizeNumber(n), 64)
			if err != nil {
				return nil, false
			}
			return f, true
		}
		return nil, false
	}
	switch s := v.(type) {
	case string:
		if strings.TrimSpace(s) == "" {
			return nil, false
		}
		return strings.TrimSpace(s), true
	case float64:
		// Text field delivered as a number (e.g. invoice number).
		return strconv.FormatFloat(s, 'f', -1, 64), true
	}
	return nil, false
}

// normalizeNumber handles Brazilian number formatting: 1.234,56 -> 1234.56.
func normalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	return s
}
