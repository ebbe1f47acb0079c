package epub

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/TobiSchelling/x4send/internal/article"
	"github.com/TobiSchelling/x4send/internal/compose"
)

const (
	filenameSeparator = " - "
	filenameExt       = ".epub"
	maxTitleRunes     = 40
	maxAuthorRunes    = 30
)

// Filename returns "Title - Author - domain - date.epub", leaving out the
// author and domain when they are unknown. The date falls back to today.
func (b *Builder) Filename(a article.Article) string {
	title := SanitizeSegment(a.Title, maxTitleRunes)
	if title == "" {
		title = compose.UntitledTitle
	}
	parts := []string{title}

	if author := SanitizeSegment(strings.TrimLeft(strings.TrimSpace(a.Author), "@"), maxAuthorRunes); author != "" {
		parts = append(parts, author)
	}
	if domain := SourceDomain(a.SourceURL); domain != "" {
		parts = append(parts, domain)
	}

	date := SanitizeSegment(a.Date, 0)
	if date == "" {
		date = b.now().Format("2006-01-02")
	}
	parts = append(parts, date)

	return strings.Join(parts, filenameSeparator) + filenameExt
}

// SourceDomain returns the lower-cased host of rawURL without a leading
// "www.", or "" when rawURL has no host.
func SourceDomain(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return SanitizeSegment(host, 0)
}

// SanitizeSegment makes s safe as part of a file name: characters that are
// illegal on common filesystems, control characters and emoji are removed,
// whitespace runs collapse to one space, and the result is cut to maxRunes
// (0 means no limit).
func SanitizeSegment(s string, maxRunes int) string {
	s = norm.NFC.String(strings.ToValidUTF8(s, ""))
	s = strings.Map(func(r rune) rune {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			return -1
		case unicode.IsControl(r) && !unicode.IsSpace(r):
			return -1
		case isEmoji(r):
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")

	if maxRunes > 0 {
		if runes := []rune(s); len(runes) > maxRunes {
			s = strings.TrimSpace(string(runes[:maxRunes]))
		}
	}
	return s
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF: // symbols, pictographs, flags
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r == 0x200D || r == 0xFE0E || r == 0xFE0F || r == 0x20E3:
		return true
	case r >= 0xE0020 && r <= 0xE007F: // tag sequences
		return true
	}
	return false
}
