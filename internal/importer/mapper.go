package importer

import (
	"fmt"
	"sort"
	"strings"
)

// Confidence grades a mapping proposal.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// FieldMapping assigns a source header to a target field. An empty
// SourceHeader means the field is unmapped.
type FieldMapping struct {
	FieldKey     string     `json:"field_key"`
	SourceHeader string     `json:"source_header,omitempty"`
	Confidence   Confidence `json:"confidence,omitempty"`
}

// Mapping holds one entry per assigned field, in catalog order.
type Mapping []FieldMapping

// AutoMap proposes a mapping by testing each field's alias tokens against the
// normalized headers. The first header in table order that contains any alias
// wins. Headers are not removed from candidacy once claimed, so two fields
// with overlapping aliases can end up on the same header; Conflicts reports
// that case.
func AutoMap(headers []string, catalog Catalog) Mapping {
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = NormalizeHeader(h)
	}

	var mapping Mapping
	for _, def := range catalog {
		for i, header := range normalized {
			if header == "" || !matchesAny(header, def.AliasTokens) {
				continue
			}
			mapping = append(mapping, FieldMapping{
				FieldKey:     def.Key,
				SourceHeader: headers[i],
				Confidence:   ConfidenceHigh,
			})
			break
		}
	}
	return mapping
}

func matchesAny(header string, aliases []string) bool {
	for _, alias := range aliases {
		if alias != "" && strings.Contains(header, alias) {
			return true
		}
	}
	return false
}

// Header returns the source header mapped to key, or "" when unmapped.
func (m Mapping) Header(key string) string {
	for _, fm := range m {
		if fm.FieldKey == key {
			return fm.SourceHeader
		}
	}
	return ""
}

// Assign returns a copy of m with key mapped to header. An empty header
// removes the assignment. Manual assignments are always high confidence.
func (m Mapping) Assign(catalog Catalog, key, header string) Mapping {
	out := make(Mapping, 0, len(m)+1)
	for _, def := range catalog {
		if def.Key == key {
			if header != "" {
				out = append(out, FieldMapping{FieldKey: key, SourceHeader: header, Confidence: ConfidenceHigh})
			}
			continue
		}
		if h := m.Header(def.Key); h != "" {
			out = append(out, m.entry(def.Key))
		}
	}
	return out
}

func (m Mapping) entry(key string) FieldMapping {
	for _, fm := range m {
		if fm.FieldKey == key {
			return fm
		}
	}
	return FieldMapping{FieldKey: key}
}

// Unmapped returns the required field keys that have no source header.
func (m Mapping) Unmapped(catalog Catalog) []string {
	var missing []string
	for _, key := range catalog.Required() {
		if m.Header(key) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// Conflicts returns, per header, the field keys that claim it when more than
// one field does. Keys keep catalog order.
func (m Mapping) Conflicts() map[string][]string {
	claims := make(map[string][]string)
	for _, fm := range m {
		if fm.SourceHeader == "" {
			continue
		}
		claims[fm.SourceHeader] = append(claims[fm.SourceHeader], fm.FieldKey)
	}
	for header, keys := range claims {
		if len(keys) < 2 {
			delete(claims, header)
		}
	}
	return claims
}

// MappingError blocks validation while required fields are unmapped or a
// header is claimed by more than one field.
type MappingError struct {
	Unmapped  []string            `json:"unmapped,omitempty"`
	Conflicts map[string][]string `json:"conflicts,omitempty"`
}

func (e *MappingError) Error() string {
	var parts []string
	if len(e.Unmapped) > 0 {
		parts = append(parts, "required fields not mapped: "+strings.Join(e.Unmapped, ", "))
	}
	if len(e.Conflicts) > 0 {
		headers := make([]string, 0, len(e.Conflicts))
		for h := range e.Conflicts {
			headers = append(headers, h)
		}
		sort.Strings(headers)
		for _, h := range headers {
			parts = append(parts, fmt.Sprintf("header %q claimed by %s", h, strings.Join(e.Conflicts[h], ", ")))
		}
	}
	return "mapping not ready: " + strings.Join(parts, "; ")
}

// CheckReady returns a *MappingError unless every required field is mapped
// and no header is shared between fields.
func (m Mapping) CheckReady(catalog Catalog) error {
	unmapped := m.Unmapped(catalog)
	conflicts := m.Conflicts()
	if len(unmapped) == 0 && len(conflicts) == 0 {
		return nil
	}
	return &MappingError{Unmapped: unmapped, Conflicts: conflicts}
}
