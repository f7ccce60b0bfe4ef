package service

import "strings"

// ParseMedications splits free-text medication input on commas and newlines,
// trimming whitespace and dropping empty entries. Order is preserved.
func ParseMedications(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	meds := make([]string, 0, len(fields))
	for _, field := range fields {
		if med := strings.TrimSpace(field); med != "" {
			meds = append(meds, med)
		}
	}
	return meds
}
