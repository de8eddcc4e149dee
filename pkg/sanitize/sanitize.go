package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var deviceIDPattern = regexp.MustCompile(`[^a-zA-Z0-9_.:-]`)

// Text trims input, drops control characters and cuts it to maxLen runes.
// maxLen <= 0 means no limit.
func Text(input string, maxLen int) string {
	input = StripControlCharacters(strings.TrimSpace(input))
	if maxLen > 0 && utf8.RuneCountInString(input) > maxLen {
		runes := []rune(input)
		input = strings.TrimSpace(string(runes[:maxLen]))
	}
	return input
}

// DeviceID keeps only characters that are safe in presence keys and logs
func DeviceID(id string) string {
	id = deviceIDPattern.ReplaceAllString(strings.TrimSpace(id), "")
	if len(id) > 128 {
		id = id[:128]
	}
	return id
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
