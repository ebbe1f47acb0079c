package article

import (
	"strings"
	"unicode"
)

// Article is the readable content of a page, ready to be packaged.
// Values are passed by copy; nothing downstream mutates them.
type Article struct {
	Title     string
	Author    string // optional
	Date      string // YYYY-MM-DD, optional
	Body      string // HTML markup
	SourceURL string // optional
	Language  string // optional, BCP 47
	WordCount int    // informational only
}

// CountWords returns the number of whitespace-separated words in text.
func CountWords(text string) int {
	return len(strings.FieldsFunc(text, unicode.IsSpace))
}
