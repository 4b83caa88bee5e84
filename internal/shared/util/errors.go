package util

import "strings"

const maxErrorLen = 500

// SanitizeError flattens err to a single line suitable for persisting on a
// record, capped at 500 bytes.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeMessage(err.Error())
}

// SanitizeMessage applies the SanitizeError rules to a plain message.
func SanitizeMessage(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
