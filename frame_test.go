package beep

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		f    *Frame
	}{
		{
			name: "MSG no more",
			f:    &Frame{Type: FrameMSG, Channel: 1, Msgno: 2, Seqno: 0, Payload: []byte("hello")},
		},
		{
			name: "RPY with more",
			f:    &Frame{Type: FrameRPY, Channel: 0, Msgno: 7, Seqno: 120, More: true, Payload: []byte("partial")},
		},
		{
			name: "ANS carries ansno",
			f:    &Frame{Type: FrameANS, Channel: 3, Msgno: 4, Seqno: 0, Ansno: 2, Payload: []byte("answer")},
		},
		{
			name: "NUL empty payload",
			f:    &Frame{Type: FrameNUL, Channel: 0, Msgno: 1, Seqno: 0, Payload: nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := EncodeFrameFull(&buf, tt.f); err != nil {
				t.Fatalf("EncodeFrameFull: %v", err)
			}
			if !bytes.HasSuffix(buf.Bytes(), []byte(frameTrailer)) {
				t.Fatalf("encoded frame missing END trailer: %q", buf.String())
			}

			line, err := buf.ReadString('\n')
			if err != nil {
				t.Fatalf("reading header line: %v", err)
			}
			h, err := decodeHeaderLine(trimCRLF(line))
			if err != nil {
				t.Fatalf("decodeHeaderLine: %v", err)
			}
			if h.Type != tt.f.Type || h.Channel != tt.f.Channel || h.Msgno != tt.f.Msgno {
				t.Fatalf("decoded header mismatch: got %+v", h)
			}
			if h.More != tt.f.More {
				t.Fatalf("More mismatch: got %v want %v", h.More, tt.f.More)
			}
			if tt.f.Type == FrameANS && h.Ansno != tt.f.Ansno {
				t.Fatalf("Ansno mismatch: got %d want %d", h.Ansno, tt.f.Ansno)
			}
			if h.Size != uint32(len(tt.f.Payload)) {
				t.Fatalf("Size mismatch: got %d want %d", h.Size, len(tt.f.Payload))
			}
		})
	}
}

func TestDecodeHeaderLineMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"too short", "MS"},
		{"unknown tag", "XYZ 0 0 . 0 0"},
		{"missing fields", "MSG 0 0 ."},
		{"bad more flag", "MSG 0 0 x 0 0"},
		{"non-digit field", "MSG a 0 . 0 0"},
		{"missing leading space", "MSG0 0 . 0 0"},
		{"seq wrong arity", "SEQ 0 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeHeaderLine(tt.line)
			if err == nil {
				t.Fatalf("expected error for line %q, got nil", tt.line)
			}
			if !errors.Is(err, ErrProtocolError) {
				t.Fatalf("expected ErrProtocolError, got %v", err)
			}
		})
	}
}

func TestSeqFrameEncode(t *testing.T) {
	var buf bytes.Buffer
	EncodeSeq(&buf, &SeqFrame{Channel: 1, Ackno: 100, Window: 4096})
	want := "SEQ 1 100 4096\r\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}

	h, err := decodeHeaderLine(trimCRLF(want))
	if err != nil {
		t.Fatalf("decodeHeaderLine: %v", err)
	}
	if h.Type != FrameSEQ || h.Channel != 1 || h.Ackno != 100 || h.Window != 4096 {
		t.Fatalf("decoded SEQ mismatch: %+v", h)
	}
}

func TestVerifyTrailer(t *testing.T) {
	if !verifyTrailer([]byte("END\r\n")) {
		t.Fatalf("expected valid trailer to verify")
	}
	if verifyTrailer([]byte("ENDxx")) {
		t.Fatalf("expected malformed trailer to fail")
	}
}

func TestJoinableAndJoin(t *testing.T) {
	a := &Frame{Type: FrameMSG, Channel: 0, Msgno: 1, Seqno: 0, More: true, Payload: []byte("abc")}
	a.Size = uint32(len(a.Payload))
	b := &Frame{Type: FrameMSG, Channel: 0, Msgno: 1, Seqno: 3, More: false, Payload: []byte("def")}
	b.Size = uint32(len(b.Payload))

	if !Joinable(a, b) {
		t.Fatalf("expected a, b to be joinable")
	}

	joined, err := Join(a, b)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if string(joined.Payload) != "abcdef" {
		t.Fatalf("joined payload = %q, want %q", joined.Payload, "abcdef")
	}
	if joined.More {
		t.Fatalf("joined frame should not be More once the last fragment is final")
	}
}

func TestJoinableRejectsMismatch(t *testing.T) {
	a := &Frame{Type: FrameMSG, Channel: 0, Msgno: 1, Seqno: 0, More: true, Payload: []byte("abc"), Size: 3}
	wrongChannel := &Frame{Type: FrameMSG, Channel: 1, Msgno: 1, Seqno: 3, Payload: []byte("def")}
	if Joinable(a, wrongChannel) {
		t.Fatalf("frames on different channels must not be joinable")
	}

	wrongSeqno := &Frame{Type: FrameMSG, Channel: 0, Msgno: 1, Seqno: 99, Payload: []byte("def")}
	if Joinable(a, wrongSeqno) {
		t.Fatalf("frames with a gap in seqno must not be joinable")
	}

	notMore := &Frame{Type: FrameMSG, Channel: 0, Msgno: 1, Seqno: 0, More: false, Payload: []byte("abc"), Size: 3}
	cont := &Frame{Type: FrameMSG, Channel: 0, Msgno: 1, Seqno: 3, Payload: []byte("def")}
	if Joinable(notMore, cont) {
		t.Fatalf("a non-more first fragment must not be joinable")
	}

	if _, err := Join(a, wrongChannel); !errors.Is(err, ErrProtocolError) {
		t.Fatalf("Join on non-joinable frames should return ErrProtocolError, got %v", err)
	}
}

func TestFrameRefUnrefReleasesMime(t *testing.T) {
	f := &Frame{mime: newMimeState()}
	f.mime.ref()
	f.ref()
	f.unref()
	if f.mime != nil {
		t.Fatalf("expected mime state released after last unref")
	}
}
