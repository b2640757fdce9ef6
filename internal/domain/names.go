package domain

import "strings"

// CleanDisplayName strips an enterprise namespace prefix
// ("Namespace\Jane Doe" becomes "Jane Doe"). It returns nil when nothing
// but the prefix remains.
func CleanDisplayName(name string) *string {
	if i := strings.LastIndex(name, `\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	return &name
}
