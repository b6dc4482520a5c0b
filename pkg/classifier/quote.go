package classifier

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// IsQuoteWrapper reports whether text looks like a WeChat quoted-reply
// (appmsg with refermsg) payload. This is the same substring test the
// platform integration has always used; it can match ordinary text that
// happens to contain those tags, and ParseQuote then decides.
func IsQuoteWrapper(text string) bool {
	return strings.Contains(text, "<title>") &&
		strings.Contains(text, "<refermsg>") &&
		strings.Contains(text, "<content>")
}

// ParseQuote extracts the reply text (first <title>) and the quoted text
// (<refermsg><content>) from a quoted-reply payload and joins them as
// "quoted\ntitle". ok is false when text is not a well-formed XML document or
// both parts are empty.
func ParseQuote(text string) (combined string, ok bool) {
	title, quoted, err := scanQuote(text)
	if err != nil {
		return "", false
	}
	switch {
	case quoted != "" && title != "":
		return quoted + "\n" + title, true
	case quoted != "":
		return quoted, true
	case title != "":
		return title, true
	}
	return "", false
}

var errNotDocument = errors.New("not a single-rooted xml document")

// scanQuote walks the document once. Only the text directly inside the
// element counts, up to its first child.
func scanQuote(text string) (title, quoted string, err error) {
	dec := xml.NewDecoder(strings.NewReader(text))

	var (
		stack       []string
		rootClosed  bool
		sawRoot     bool
		titleDone   bool
		quotedDone  bool
		capture     *strings.Builder
		captureDeep int
		titleBuf    strings.Builder
		quotedBuf   strings.Builder
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if rootClosed {
				return "", "", errNotDocument
			}
			sawRoot = true
			name := t.Name.Local
			parent := ""
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}
			stack = append(stack, name)
			if capture != nil {
				// text after the first child is not part of the element's text
				capture = nil
				continue
			}
			switch {
			case name == "title" && !titleDone:
				capture, captureDeep = &titleBuf, len(stack)
				titleDone = true
			case name == "content" && parent == "refermsg" && !quotedDone:
				capture, captureDeep = &quotedBuf, len(stack)
				quotedDone = true
			}
		case xml.EndElement:
			if capture != nil && len(stack) == captureDeep {
				capture = nil
			}
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				rootClosed = true
			}
		case xml.CharData:
			if len(stack) == 0 {
				if strings.TrimSpace(string(t)) != "" {
					return "", "", errNotDocument
				}
				continue
			}
			if capture != nil && len(stack) == captureDeep {
				capture.Write(t)
			}
		}
	}

	if !sawRoot || !rootClosed {
		return "", "", errNotDocument
	}
	return titleBuf.String(), quotedBuf.String(), nil
}
