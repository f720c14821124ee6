package models

// ValidChannelName reports whether name satisfies the channel naming
// convention: 1-64 chars, first char alphanumeric, remainder
// alphanumeric/'-'/'_'.
func ValidChannelName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			continue
		case i > 0 && (r == '-' || r == '_'):
			continue
		default:
			return false
		}
	}
	return true
}
