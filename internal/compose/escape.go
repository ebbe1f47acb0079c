package compose

import "strings"

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// EscapeXML escapes the five XML special characters.
func EscapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

// xmlText escapes s after dropping anything XML 1.0 cannot carry.
func xmlText(s string) string {
	return EscapeXML(StripInvalidXML(s))
}

// StripInvalidXML repairs invalid UTF-8 and removes code points outside the
// XML 1.0 Char production.
func StripInvalidXML(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return -1
	}, s)
}

func isXMLChar(r rune) bool {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}
