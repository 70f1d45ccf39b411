package tgui

// TruncRunes cuts s to at most n runes, ending in "…" when shortened.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
