package models

import (
	"strings"
	"unicode/utf8"
)

// Column widths of free-form request metadata.
const (
	IPAddressSize = 45
	UserAgentSize = 500
)

// Clip trims value and cuts it to at most max bytes without splitting a UTF-8 sequence.
func Clip(value string, max int) string {
	value = strings.TrimSpace(value)
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
