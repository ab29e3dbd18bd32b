package beep

import (
	"fmt"
	"strings"
)

// defaultContentType and defaultTransferEncoding are synthesized by the
// getters when no such header has been observed on a frame.
const (
	defaultContentType       = "application/octet-stream"
	defaultTransferEncoding  = "binary"
	maxMimeHeaderNameLen     = 998 // RFC 2822 §2.2
)

// mimeHeaderValue is one occurrence of a header name; duplicates of the
// same name form a singly linked list via next, preserving RFC 2045
// repeat-header order.
type mimeHeaderValue struct {
	value string
	next  *mimeHeaderValue
}

// mimeState is the refcounted MIME layer attached to a frame. Copying or
// joining frames bumps refs rather than duplicating the map.
type mimeState struct {
	refs int32
	// headers is keyed by the lower-cased name (canonicalHeaderName), so
	// lookup is case-insensitive; the case seen on the wire is not kept,
	// and encoding renders names via canonicalToDisplay.
	headers map[string]*mimeHeaderValue
	order   []string // first-seen order, for deterministic encoding

	contentType       string
	transferEncoding  string
	contentID         string
	contentDesc       string
	hasContentType    bool
	hasTransferEncode bool
}

func newMimeState() *mimeState {
	return &mimeState{headers: make(map[string]*mimeHeaderValue)}
}

func (m *mimeState) ref() {
	if m != nil {
		m.refs++
	}
}

func (m *mimeState) unref() {
	if m != nil {
		m.refs--
	}
}

func canonicalHeaderName(name string) string {
	return strings.ToLower(name)
}

// setHeader appends a new occurrence of name (case-insensitive), tracking
// cached direct fields for Content-Type, Content-Transfer-Encoding,
// Content-ID and Content-Description. MIME-Version has no cached field; it
// is kept only in the header map.
func (m *mimeState) setHeader(name, value string) {
	key := canonicalHeaderName(name)
	v := &mimeHeaderValue{value: value}
	if existing, ok := m.headers[key]; ok {
		// append to the tail of the same-name list
		cur := existing
		for cur.next != nil {
			cur = cur.next
		}
		cur.next = v
	} else {
		m.headers[key] = v
		m.order = append(m.order, key)
	}

	switch key {
	case "content-type":
		m.contentType = value
		m.hasContentType = true
	case "content-transfer-encoding":
		m.transferEncoding = value
		m.hasTransferEncode = true
	case "content-id":
		m.contentID = value
	case "content-description":
		m.contentDesc = value
	}
}

// Values returns every occurrence of a header, in repeat order, or nil.
func (m *mimeState) Values(name string) []string {
	if m == nil {
		return nil
	}
	cur, ok := m.headers[canonicalHeaderName(name)]
	if !ok {
		return nil
	}
	var out []string
	for cur != nil {
		out = append(out, cur.value)
		cur = cur.next
	}
	return out
}

// Get returns the first occurrence of a header, or "" if absent.
func (m *mimeState) Get(name string) string {
	vs := m.Values(name)
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func (f *Frame) ensureMime() *mimeState {
	if f.mime == nil {
		f.mime = newMimeState()
	}
	return f.mime
}

// SetHeader sets a MIME header on an outbound frame, appending to any
// existing occurrences of the same name.
func (f *Frame) SetHeader(name, value string) {
	f.ensureMime().setHeader(name, value)
}

// Header returns the first occurrence of a header, or "" if absent.
func (f *Frame) Header(name string) string {
	if f.mime == nil {
		return ""
	}
	return f.mime.Get(name)
}

// HeaderValues returns every occurrence of a header in repeat order.
func (f *Frame) HeaderValues(name string) []string {
	if f.mime == nil {
		return nil
	}
	return f.mime.Values(name)
}

// ContentType returns the frame's Content-Type, synthesizing the BEEP
// default (application/octet-stream) when unset.
func (f *Frame) ContentType() string {
	if f.mime != nil && f.mime.hasContentType {
		return f.mime.contentType
	}
	return defaultContentType
}

// TransferEncoding returns the frame's Content-Transfer-Encoding,
// synthesizing the BEEP default (binary) when unset.
func (f *Frame) TransferEncoding() string {
	if f.mime != nil && f.mime.hasTransferEncode {
		return f.mime.transferEncoding
	}
	return defaultTransferEncoding
}

// mimeEncodeHeaders renders the header block (each "Name: value\r\n" plus
// the blank terminator line) for an outbound frame, but only if at least
// one header differs from the BEEP defaults — matching the encoder rule
// that a frame using only defaults carries no MIME preamble at all.
func mimeEncodeHeaders(m *mimeState) []byte {
	if m == nil {
		return nil
	}
	nonDefault := (m.hasContentType && m.contentType != defaultContentType) ||
		(m.hasTransferEncode && m.transferEncoding != defaultTransferEncoding) ||
		len(m.order) > 0 && hasExtraHeaders(m)
	if !nonDefault {
		return nil
	}

	var b strings.Builder
	for _, key := range m.order {
		cur := m.headers[key]
		name := canonicalToDisplay(key)
		for cur != nil {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(cur.value)
			b.WriteString("\r\n")
			cur = cur.next
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// hasExtraHeaders reports whether any header besides Content-Type /
// Content-Transfer-Encoding is set.
func hasExtraHeaders(m *mimeState) bool {
	for _, key := range m.order {
		if key != "content-type" && key != "content-transfer-encoding" {
			return true
		}
	}
	return false
}

var canonicalDisplayNames = map[string]string{
	"content-type":              "Content-Type",
	"content-transfer-encoding": "Content-Transfer-Encoding",
	"mime-version":              "MIME-Version",
	"content-id":                "Content-ID",
	"content-description":       "Content-Description",
}

func canonicalToDisplay(key string) string {
	if name, ok := canonicalDisplayNames[key]; ok {
		return name
	}
	// Title-case each hyphen-separated component, e.g. "x-foo" -> "X-Foo".
	parts := strings.Split(key, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

// mimeParse scans the MIME header block off the front of raw (the frame's
// on-wire payload) and returns the body offset and parsed state. It
// implements the empty-body fast path and the header-scan loop from §4.2.
func mimeParse(raw []byte) (state *mimeState, bodyOffset int, err error) {
	if len(raw) >= 2 && raw[0] == '\r' && raw[1] == '\n' {
		return nil, 2, nil
	}
	if len(raw) >= 1 && raw[0] == '\n' {
		return nil, 1, nil
	}

	m := newMimeState()
	pos := 0
	for {
		lineEnd, nextPos, folded := scanMimeLine(raw, pos)
		if lineEnd < 0 {
			return nil, 0, fmt.Errorf("%w: unterminated mime header", ErrProtocolError)
		}
		line := raw[pos:lineEnd]
		if len(line) == 0 {
			// blank line: end of headers, body starts at nextPos
			return m, nextPos, nil
		}
		_ = folded

		colon := indexByte(line, ':')
		if colon < 0 {
			return nil, 0, fmt.Errorf("%w: mime header missing colon", ErrProtocolError)
		}
		name := line[:colon]
		if len(name) == 0 || len(name) > maxMimeHeaderNameLen {
			return nil, 0, fmt.Errorf("%w: mime header name length invalid", ErrProtocolError)
		}
		for _, c := range name {
			if c < 33 || c > 126 {
				return nil, 0, fmt.Errorf("%w: mime header name has invalid byte", ErrProtocolError)
			}
		}
		value := line[colon+1:]
		value = trimLeadingSpaces(value)

		// Consume folded continuation lines: subsequent lines beginning
		// with a space or tab belong to this header's value.
		pos = nextPos
		for {
			foldLineEnd, foldNext, isContinuation := peekFoldedLine(raw, pos)
			if !isContinuation {
				break
			}
			value = append(append(append([]byte{}, value...), ' '), trimLeadingSpaces(raw[pos+1:foldLineEnd])...)
			pos = foldNext
		}

		m.setHeader(string(name), string(value))
	}
}

// parseMime runs the MIME scan over f.Content (the full on-wire payload,
// already read off the socket) and narrows f.Payload to the body. On
// failure it abandons MIME state: f.Payload stays equal to f.Content and
// f.mime stays nil, so the frame remains usable but MIME accessors return
// defaults/empty, per §4.2 "Errors".
func (f *Frame) parseMime() error {
	state, bodyOffset, err := mimeParse(f.Content)
	if err != nil {
		f.Payload = f.Content
		f.Size = uint32(len(f.Payload))
		f.mime = nil
		return err
	}
	f.mime = state
	f.Payload = f.Content[bodyOffset:]
	f.Size = uint32(len(f.Payload))
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func trimLeadingSpaces(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t') {
		i++
	}
	return b[i:]
}

// scanMimeLine finds the end of the line starting at pos (exclusive of the
// terminator) and the offset just past the terminator. Accepts either
// CRLF or bare LF per the grammar's "next CRLF (or LF)" allowance.
func scanMimeLine(raw []byte, pos int) (lineEnd, nextPos int, crlf bool) {
	for i := pos; i < len(raw); i++ {
		if raw[i] == '\n' {
			if i > pos && raw[i-1] == '\r' {
				return i - 1, i + 1, true
			}
			return i, i + 1, false
		}
	}
	return -1, -1, false
}

// peekFoldedLine reports whether the line starting at pos is a folded
// continuation (begins with space/tab) of the previous header's value.
func peekFoldedLine(raw []byte, pos int) (lineEnd, nextPos int, isContinuation bool) {
	if pos >= len(raw) {
		return -1, -1, false
	}
	if raw[pos] != ' ' && raw[pos] != '\t' {
		return -1, -1, false
	}
	end, next, _ := scanMimeLine(raw, pos)
	if end < 0 {
		return -1, -1, false
	}
	return end, next, true
}
