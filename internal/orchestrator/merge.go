package orchestrator

import (
	"sort"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// MergeFields merges extracted fields into the record. A populated field is
// never overwritten by a lower-confidence value from a later source; exact
// confidence ties go to the engine with higher declared historical accuracy.
// Returns how many fields were added or replaced and how many kept.
func MergeFields(rec *model.InvoiceRecord, fields map[string]model.FieldValue, accuracy map[string]float64) (merged, kept int) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		incoming := fields[key]
		if incoming.Value == nil {
			continue
		}
		existing, populated := rec.Field(key)
		if populated {
			if existing.Confidence > incoming.Confidence {
				kept++
				continue
			}
			if existing.Confidence == incoming.Confidence &&
				accuracy[existing.Engine] >= accuracy[incoming.Engine] {
				kept++
				continue
			}
		}
		if err := rec.SetField(incoming); err != nil {
			// Sealed record: nothing more can merge.
			kept += len(keys) - merged - kept
			return merged, kept
		}
		merged++
	}
	return merged, kept
}

// Contributors lists the engines that produced the record's accepted values,
// most fields first.
func Contributors(rec *model.InvoiceRecord) []string {
	counts := make(map[string]int)
	for _, fv := range rec.Fields {
		if fv.Value != nil && fv.Engine != "" {
			counts[fv.Engine]++
		}
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
