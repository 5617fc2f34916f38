package chrono

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// findAttr scans doc for the first <tag name="name"> element and returns its
// want attribute. An element without that attribute counts as missing.
func findAttr(doc []byte, tag, name, want string) (string, bool) {
	z := html.NewTokenizer(bytes.NewReader(doc))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			if string(tn) != tag || !hasAttr {
				continue
			}
			var (
				nameOK     bool
				val        string
				valPresent bool
			)
			for {
				k, v, more := z.TagAttr()
				switch strings.ToLower(string(k)) {
				case "name":
					nameOK = string(v) == name
				case want:
					val, valPresent = string(v), true
				}
				if !more {
					break
				}
			}
			if nameOK && valPresent {
				return val, true
			}
		}
	}
}
