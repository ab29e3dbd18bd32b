package beep

import (
	"errors"
	"testing"
)

func TestMimeParseEmptyBody(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		off  int
	}{
		{"crlf blank", []byte("\r\nbody"), 2},
		{"lf blank", []byte("\nbody"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, off, err := mimeParse(tt.raw)
			if err != nil {
				t.Fatalf("mimeParse: %v", err)
			}
			if state != nil {
				t.Fatalf("expected nil mime state for an empty header block")
			}
			if off != tt.off {
				t.Fatalf("bodyOffset = %d, want %d", off, tt.off)
			}
		})
	}
}

func TestMimeParseHeaders(t *testing.T) {
	raw := []byte("Content-Type: text/plain\r\nX-Custom: one\r\nX-Custom: two\r\n\r\nbody bytes")
	state, off, err := mimeParse(raw)
	if err != nil {
		t.Fatalf("mimeParse: %v", err)
	}
	if string(raw[off:]) != "body bytes" {
		t.Fatalf("body = %q, want %q", raw[off:], "body bytes")
	}
	if state.Get("content-type") != "text/plain" {
		t.Fatalf("content-type = %q", state.Get("content-type"))
	}
	vals := state.Values("X-Custom")
	if len(vals) != 2 || vals[0] != "one" || vals[1] != "two" {
		t.Fatalf("repeated header values = %v", vals)
	}
}

func TestMimeParseFoldedContinuation(t *testing.T) {
	raw := []byte("X-Long: first\r\n second\r\n\r\nbody")
	state, off, err := mimeParse(raw)
	if err != nil {
		t.Fatalf("mimeParse: %v", err)
	}
	if string(raw[off:]) != "body" {
		t.Fatalf("body = %q", raw[off:])
	}
	if got := state.Get("x-long"); got != "first second" {
		t.Fatalf("folded value = %q, want %q", got, "first second")
	}
}

func TestMimeParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"missing colon", []byte("BadHeader\r\n\r\nbody")},
		{"unterminated header", []byte("Content-Type: text/plain")},
		{"empty name", []byte(": value\r\n\r\nbody")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := mimeParse(tt.raw)
			if !errors.Is(err, ErrProtocolError) {
				t.Fatalf("expected ErrProtocolError, got %v", err)
			}
		})
	}
}

func TestContentTypeDefaults(t *testing.T) {
	f := &Frame{}
	if got := f.ContentType(); got != defaultContentType {
		t.Fatalf("ContentType default = %q, want %q", got, defaultContentType)
	}
	if got := f.TransferEncoding(); got != defaultTransferEncoding {
		t.Fatalf("TransferEncoding default = %q, want %q", got, defaultTransferEncoding)
	}

	f.SetHeader("Content-Type", "application/xml")
	if got := f.ContentType(); got != "application/xml" {
		t.Fatalf("ContentType after SetHeader = %q", got)
	}
}

func TestMimeEncodeHeadersOmittedWhenAllDefault(t *testing.T) {
	m := newMimeState()
	m.setHeader("Content-Type", defaultContentType)
	m.setHeader("Content-Transfer-Encoding", defaultTransferEncoding)
	if got := mimeEncodeHeaders(m); got != nil {
		t.Fatalf("expected nil header block when every header is a BEEP default, got %q", got)
	}
}

func TestMimeEncodeHeadersPresentWhenNonDefault(t *testing.T) {
	m := newMimeState()
	m.setHeader("Content-Type", "application/xml")
	got := mimeEncodeHeaders(m)
	want := "Content-Type: application/xml\r\n\r\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseMimeFrameRoundTrip(t *testing.T) {
	f := &Frame{Content: []byte("Content-Type: text/xml\r\n\r\n<greeting/>")}
	if err := f.parseMime(); err != nil {
		t.Fatalf("parseMime: %v", err)
	}
	if string(f.Payload) != "<greeting/>" {
		t.Fatalf("Payload = %q", f.Payload)
	}
	if f.ContentType() != "text/xml" {
		t.Fatalf("ContentType = %q", f.ContentType())
	}
}

func TestParseMimeFallsBackOnError(t *testing.T) {
	f := &Frame{Content: []byte("BadHeader\r\n\r\nbody")}
	err := f.parseMime()
	if !errors.Is(err, ErrProtocolError) {
		t.Fatalf("expected ErrProtocolError, got %v", err)
	}
	if string(f.Payload) != string(f.Content) {
		t.Fatalf("on mime-parse failure, Payload must fall back to the full Content")
	}
	if f.mime != nil {
		t.Fatalf("on mime-parse failure, mime state must stay nil")
	}
}
