package pagedvllm

import "strings"

// FindStop returns the first stop string contained in text
func FindStop(text string, stops []string) (bool, string) {
	for _, stop := range stops {
		if strings.Contains(text, stop) {
			return true, stop
		}
	}

	return false, ""
}

// ContainsStopSuffix reports whether text ends with a prefix of any stop
// string, i.e. a stop string may still complete with the next tokens.
func ContainsStopSuffix(text string, stops []string) bool {
	for _, stop := range stops {
		for i := 1; i <= len(stop); i++ {
			if strings.HasSuffix(text, stop[:i]) {
				return true
			}
		}
	}

	return false
}

// TruncateStop cuts text at the first occurrence of stop
func TruncateStop(text, stop string) (string, bool) {
	idx := strings.Index(text, stop)
	if idx < 0 {
		return text, false
	}
	return text[:idx], true
}

// HoldBackStop trims a trailing partial stop string so streamed text never
// shows characters that a stop match may later remove.
func HoldBackStop(text string, stops []string) string {
	cut := len(text)
	for _, stop := range stops {
		for i := len(stop) - 1; i >= 1; i-- {
			if strings.HasSuffix(text, stop[:i]) {
				cut = min(cut, len(text)-i)
				break
			}
		}
	}
	return text[:cut]
}
