package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// ErrRecordSealed is returned by mutators once validation has started on a
// record. Corrections go through CorrectedCopy, never through mutation.
var ErrRecordSealed = eris.New("model: record is sealed")

// FieldValue is one extracted field with its provenance.
type FieldValue struct {
	Key        string  `json:"key"`
	Value      any     `json:"value"`
	RawText    string  `json:"raw_text,omitempty"`
	Engine     string  `json:"engine"`
	Confidence float64 `json:"confidence"`
}

// InvoiceRecord is the canonical structured representation of one invoice
// after merging all engine outputs.
type InvoiceRecord struct {
	ID               string                `json:"id"`
	DocumentRef      string                `json:"document_ref"`
	UnitID           string                `json:"unit_id"`
	IngestedAt       time.Time             `json:"ingested_at"`
	Fields           map[string]FieldValue `json:"fields"`
	ExtractionMethod string                `json:"extraction_method,omitempty"`
	CorrectedFrom    string                `json:"corrected_from,omitempty"`
	CorrectedBy      string                `json:"corrected_by,omitempty"`

	sealed bool
}

// NewInvoiceRecord creates an empty record for one document.
func NewInvoiceRecord(documentRef, unitID string) *InvoiceRecord {
	return &InvoiceRecord{
		ID:          uuid.New().String(),
		DocumentRef: documentRef,
		UnitID:      unitID,
		IngestedAt:  time.Now().UTC(),
		Fields:      make(map[string]FieldValue),
	}
}

// Seal freezes the record before validation. Subsequent SetField calls fail.
func (r *InvoiceRecord) Seal() {
	r.sealed = true
}

// Sealed reports whether the record is frozen.
func (r *InvoiceRecord) Sealed() bool {
	return r.sealed
}

// SetField populates or replaces one field value.
func (r *InvoiceRecord) SetField(fv FieldValue) error {
	if r.sealed {
		return ErrRecordSealed
	}
	if r.Fields == nil {
		r.Fields = make(map[string]FieldValue)
	}
	r.Fields[fv.Key] = fv
	return nil
}

// Field returns the value for key and whether it is populated.
func (r *InvoiceRecord) Field(key string) (FieldValue, bool) {
	fv, ok := r.Fields[key]
	if !ok || fv.Value == nil {
		return FieldValue{}, false
	}
	return fv, true
}

// Numeric returns the field value coerced to float64, if populated and numeric.
func (r *InvoiceRecord) Numeric(key string) (float64, bool) {
	fv, ok := r.Field(key)
	if !ok {
		return 0, false
	}
	switch v := fv.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Confidence recomputes the whole-record aggregate confidence from the
// current per-field confidences. Required fields carry double weight. The
// result is always in [0,1] and depends on nothing but the field set.
func (r *InvoiceRecord) Confidence(reg *FieldRegistry) float64 {
	var sum, weight float64
	for key, fv := range r.Fields {
		if fv.Value == nil {
			continue
		}
		w := 1.0
		if def := reg.ByKey(key); def != nil && def.Required {
			w = 2.0
		}
		c := fv.Confidence
		if c < 0 {
			c = 0
		} else if c > 1 {
			c = 1
		}
		sum += c * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// CorrectedCopy produces a new unsealed record superseding this one after
// human review. The original is never mutated; lineage is kept via
// CorrectedFrom.
func (r *InvoiceRecord) CorrectedCopy(actor string) *InvoiceRecord {
	c := &InvoiceRecord{
		ID:               uuid.New().String(),
		DocumentRef:      r.DocumentRef,
		UnitID:           r.UnitID,
		IngestedAt:       r.IngestedAt,
		Fields:           make(map[string]FieldValue, len(r.Fields)),
		ExtractionMethod: r.ExtractionMethod,
		CorrectedFrom:    r.ID,
		CorrectedBy:      actor,
	}
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return c
}
