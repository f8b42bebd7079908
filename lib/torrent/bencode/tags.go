package bencode

import "strings"

// tagOptions holds the comma-separated modifiers following the field name
// in a `bencode:"name,opt1,opt2"` struct tag.
type tagOptions []string

// parseTag splits a struct tag into its field name and modifier list.
func parseTag(tag string) (string, tagOptions) {
	parts := strings.Split(tag, ",")
	return parts[0], tagOptions(parts[1:])
}

// contains reports whether name appears among the tag's modifiers.
func (opts tagOptions) contains(name string) bool {
	for _, o := range opts {
		if o == name {
			return true
		}
	}
	return false
}
