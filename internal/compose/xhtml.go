package compose

import (
	"encoding/xml"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// voidElements never have content or an end tag in HTML. XHTML requires
// them to be written as empty-element tags.
var voidElements = map[string]struct{}{
	"area": {}, "base": {}, "br": {}, "col": {}, "command": {}, "embed": {},
	"hr": {}, "img": {}, "input": {}, "keygen": {}, "link": {}, "meta": {},
	"param": {}, "source": {}, "track": {}, "wbr": {},
}

// IsVoidElement reports whether name is an HTML void element.
func IsVoidElement(name string) bool {
	_, ok := voidElements[strings.ToLower(name)]
	return ok
}

// ToXHTML rewrites HTML body markup into XML-compatible markup. Void
// elements become self-closing, tag and attribute names are lower-cased,
// attributes that are not XML names or repeat an earlier one are dropped,
// comments are dropped, CDATA sections become escaped text, stray
// ampersands and less-than signs in text are escaped and HTML named
// entities become numeric references. Markup that still does not nest
// properly is re-balanced through the HTML5 parser first.
func ToXHTML(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	out := rewrite(body)
	if WellFormedFragment(out) == nil {
		return out
	}
	balanced, err := rebalance(out)
	if err != nil {
		return out
	}
	return rewrite(balanced)
}

func rewrite(markup string) string {
	z := html.NewTokenizer(strings.NewReader(StripInvalidXML(markup)))
	z.AllowCDATA(true)
	var b strings.Builder
	b.Grow(len(markup) + len(markup)/16)

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return b.String()
		}
		// Raw must be copied before TagName or Text, which rewrite the buffer.
		raw := string(z.Raw())

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			raw = startTag(z, tt == html.SelfClosingTagToken)
		case html.EndTagToken:
			name, _ := z.TagName()
			_, void := voidElements[string(name)]
			if void || !isXMLName(string(name)) {
				// </br> and friends have no XML counterpart.
				raw = ""
			} else {
				raw = "</" + string(name) + ">"
			}
		case html.TextToken:
			if strings.HasPrefix(raw, "<![CDATA[") {
				raw = xmlText(string(z.Text()))
			} else {
				raw = fixReferences(raw, true)
			}
		case html.CommentToken, html.DoctypeToken:
			raw = ""
		}
		b.WriteString(raw)
	}
}

// startTag re-serializes the current start tag from its parsed attributes.
// Keys come back lower-cased and values unescaped from the tokenizer. The
// first occurrence of a key wins.
func startTag(z *html.Tokenizer, selfClosing bool) string {
	name, more := z.TagName()
	tag := string(name)
	if !isXMLName(tag) {
		return ""
	}
	_, void := voidElements[tag]

	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(tag)
	var seen []string
	for more {
		var key, val []byte
		key, val, more = z.TagAttr()
		k := string(key)
		if !isAttrName(k) || slices.Contains(seen, k) {
			continue
		}
		seen = append(seen, k)
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(xmlText(string(val)))
		b.WriteByte('"')
	}
	if void || selfClosing {
		b.WriteString(" />")
	} else {
		b.WriteByte('>')
	}
	return b.String()
}

// isAttrName accepts XML names without a namespace prefix, plus the
// predefined xml: attributes. Namespace declarations are refused.
func isAttrName(s string) bool {
	if s == "xmlns" {
		return false
	}
	if rest, ok := strings.CutPrefix(s, "xml:"); ok {
		return rest == "lang" || rest == "space"
	}
	return isXMLName(s)
}

// isXMLName reports whether s is an XML name without a colon.
func isXMLName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && (r == '-' || r == '.' || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Mc, r)):
		default:
			return false
		}
	}
	return true
}

// fixReferences leaves valid XML references alone, converts HTML named
// references to numeric ones and escapes every other ampersand. With
// escapeLT set, '<' is escaped too.
func fixReferences(s string, escapeLT bool) string {
	if !strings.ContainsAny(s, "&<") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '<' && escapeLT:
			b.WriteString("&lt;")
			i++
		case c == '&':
			if n := xmlReferenceLen(s[i:]); n > 0 {
				b.WriteString(s[i : i+n])
				i += n
				continue
			}
			if ref, n := namedReference(s[i:]); n > 0 {
				b.WriteString(ref)
				i += n
				continue
			}
			b.WriteString("&amp;")
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

var predefinedEntities = []string{"&amp;", "&lt;", "&gt;", "&quot;", "&apos;"}

// xmlReferenceLen returns the length of the XML reference s starts with,
// or 0 when s does not start with one.
func xmlReferenceLen(s string) int {
	for _, e := range predefinedEntities {
		if strings.HasPrefix(s, e) {
			return len(e)
		}
	}
	if !strings.HasPrefix(s, "&#") {
		return 0
	}
	semi := strings.IndexByte(s, ';')
	if semi < 3 || semi > 12 {
		return 0
	}
	digits, base := s[2:semi], 10
	if digits[0] == 'x' {
		digits, base = digits[1:], 16
	}
	v, err := strconv.ParseUint(digits, base, 32)
	if err != nil || digits == "" || !isXMLChar(rune(v)) {
		return 0
	}
	return semi + 1
}

// namedReference converts an HTML named reference such as &nbsp; into
// numeric character references.
func namedReference(s string) (string, int) {
	semi := strings.IndexByte(s, ';')
	if semi < 2 || semi > 32 {
		return "", 0
	}
	for _, r := range s[1:semi] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "", 0
		}
	}
	ref := s[:semi+1]
	u := html.UnescapeString(ref)
	if u == ref || strings.ContainsAny(u, "&;") || utf8.RuneCountInString(u) > 2 {
		return "", 0
	}
	var b strings.Builder
	for _, r := range u {
		fmt.Fprintf(&b, "&#%d;", r)
	}
	return b.String(), len(ref)
}

// rebalance parses markup as an HTML5 body fragment and renders it back,
// which closes unclosed elements and fixes misnesting.
func rebalance(markup string) (string, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return "", fmt.Errorf("parsing body: %w", err)
	}
	var b strings.Builder
	for _, n := range nodes {
		if err := html.Render(&b, n); err != nil {
			return "", fmt.Errorf("rendering body: %w", err)
		}
	}
	return b.String(), nil
}

// WellFormedFragment reports whether markup parses as XML element content.
func WellFormedFragment(markup string) error {
	return WellFormed("<div>" + markup + "</div>")
}

// WellFormed checks that doc is a well-formed XML document.
func WellFormed(doc string) error {
	d := xml.NewDecoder(strings.NewReader(doc))
	d.Strict = true
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("not well-formed: %w", err)
		}
		if el, ok := tok.(xml.StartElement); ok {
			if err := uniqueAttrs(el); err != nil {
				return fmt.Errorf("not well-formed: %w", err)
			}
		}
	}
}

// uniqueAttrs enforces the XML rule the decoder skips: an attribute name
// appears at most once per element.
func uniqueAttrs(el xml.StartElement) error {
	for i, a := range el.Attr {
		for _, prev := range el.Attr[:i] {
			if prev.Name == a.Name {
				return fmt.Errorf("duplicate attribute %q on <%s>", a.Name.Local, el.Name.Local)
			}
		}
	}
	return nil
}
