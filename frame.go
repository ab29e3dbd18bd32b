package beep

import (
	"bytes"
	"fmt"
	"strconv"
)

// FrameType is the three-character type tag on a BEEP frame header line.
type FrameType int

const (
	// FrameUnknown marks a header whose type tag did not match any known
	// grammar; receiving one is always fatal to the session.
	FrameUnknown FrameType = iota
	FrameMSG
	FrameRPY
	FrameANS
	FrameNUL
	FrameERR
	FrameSEQ
)

func (t FrameType) String() string {
	switch t {
	case FrameMSG:
		return "MSG"
	case FrameRPY:
		return "RPY"
	case FrameANS:
		return "ANS"
	case FrameNUL:
		return "NUL"
	case FrameERR:
		return "ERR"
	case FrameSEQ:
		return "SEQ"
	default:
		return "UNKNOWN"
	}
}

func frameTypeFromTag(tag string) FrameType {
	switch tag {
	case "MSG":
		return FrameMSG
	case "RPY":
		return FrameRPY
	case "ANS":
		return FrameANS
	case "NUL":
		return FrameNUL
	case "ERR":
		return FrameERR
	case "SEQ":
		return FrameSEQ
	default:
		return FrameUnknown
	}
}

const frameTrailer = "END\r\n"

// Frame is one data-plane BEEP frame: header, payload, trailer, plus the
// MIME layer decoded from (or destined for) the head of the payload.
//
// Payload holds only the MIME body once mimeParse has run; Content retains
// every byte that was on the wire after the header line (MIME headers and
// body together), per the data model's "content pointer retains all bytes"
// rule.
type Frame struct {
	id      uint64
	refs    int32
	channel *Channel // owning back-pointer; cleared before the frame is dropped

	Type     FrameType
	Channel  uint32
	Msgno    uint32
	More     bool
	MoreChar byte // literal '*' or '.' observed on the wire
	Seqno    uint32
	Size     uint32 // size of Payload (post-MIME), not the wire payload size
	Ansno    uint32 // meaningful only when Type == FrameANS

	Content []byte // all bytes that followed the header line, pre-MIME-split
	Payload []byte // MIME body, once parsed; equals Content until parsed

	mime *mimeState
}

// SeqFrame is a flow-control frame: "SEQ channel ackno window\r\n". It
// never carries a payload or MIME layer.
type SeqFrame struct {
	Channel uint32
	Ackno   uint32
	Window  uint32
}

// The MIME header block's on-wire size (header lines plus the blank-line
// terminator) is len(mimeEncodeHeaders(f.mime)); see mime.go.

// EncodeFrame renders the header line, the MIME header block (if any
// non-default header is set), and the payload into dst. It does not write
// the END trailer; callers that want a complete self-standing on-wire
// frame use EncodeFrameFull.
func EncodeFrame(dst *bytes.Buffer, f *Frame) error {
	if f.Type == FrameUnknown {
		return fmt.Errorf("%w: cannot encode FrameUnknown", ErrProtocolError)
	}
	moreChar := f.MoreChar
	if moreChar == 0 {
		if f.More {
			moreChar = '*'
		} else {
			moreChar = '.'
		}
	}

	dst.WriteString(f.Type.String())
	dst.WriteByte(' ')
	writeUint(dst, f.Channel)
	dst.WriteByte(' ')
	writeUint(dst, f.Msgno)
	dst.WriteByte(' ')
	dst.WriteByte(moreChar)
	dst.WriteByte(' ')
	writeUint(dst, f.Seqno)
	dst.WriteByte(' ')

	body := f.Payload
	headerBlock := mimeEncodeHeaders(f.mime)
	writeUint(dst, uint32(len(body)+len(headerBlock)))
	if f.Type == FrameANS {
		dst.WriteByte(' ')
		writeUint(dst, f.Ansno)
	}
	dst.WriteString("\r\n")

	dst.Write(headerBlock)
	dst.Write(body)
	return nil
}

// EncodeFrameFull encodes a complete on-wire frame, including the END
// trailer.
func EncodeFrameFull(dst *bytes.Buffer, f *Frame) error {
	if err := EncodeFrame(dst, f); err != nil {
		return err
	}
	dst.WriteString(frameTrailer)
	return nil
}

// EncodeSeq renders a complete SEQ frame.
func EncodeSeq(dst *bytes.Buffer, s *SeqFrame) {
	dst.WriteString("SEQ ")
	writeUint(dst, s.Channel)
	dst.WriteByte(' ')
	writeUint(dst, s.Ackno)
	dst.WriteByte(' ')
	writeUint(dst, s.Window)
	dst.WriteString("\r\n")
}

// writeUint writes v in decimal, without leading zeros, using a scratch
// buffer large enough for any uint32; overflow cannot occur for that width,
// matching the "scratch itoa helper, overflow is a hard failure" note only
// in spirit (uint32 never overflows strconv.AppendUint's destination here).
func writeUint(dst *bytes.Buffer, v uint32) {
	var scratch [10]byte
	dst.Write(strconv.AppendUint(scratch[:0], uint64(v), 10))
}

// header is the parsed form of a frame header line, before payload bytes
// have been read off the wire.
type header struct {
	Type     FrameType
	Channel  uint32
	Msgno    uint32
	More     bool
	MoreChar byte
	Seqno    uint32
	Size     uint32
	Ansno    uint32

	// Seq-only fields.
	Ackno  uint32
	Window uint32
}

// decodeHeaderLine parses one header line (without its trailing \r\n) per
// the grammars in the wire format section. It performs no channel-table or
// window validation; that is the caller's job once it has a channel table
// to consult.
func decodeHeaderLine(line string) (*header, error) {
	if len(line) < 3 {
		return nil, fmt.Errorf("%w: header line too short", ErrProtocolError)
	}
	tag := line[:3]
	typ := frameTypeFromTag(tag)
	if typ == FrameUnknown {
		return nil, fmt.Errorf("%w: unknown frame type tag %q", ErrProtocolError, tag)
	}

	rest := line[3:]
	fields, err := splitHeaderFields(rest)
	if err != nil {
		return nil, err
	}

	h := &header{Type: typ}
	if typ == FrameSEQ {
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: poorly-formed SEQ header", ErrProtocolError)
		}
		ch, err := parseDecimal(fields[0])
		if err != nil {
			return nil, err
		}
		ack, err := parseDecimal(fields[1])
		if err != nil {
			return nil, err
		}
		win, err := parseDecimal(fields[2])
		if err != nil {
			return nil, err
		}
		h.Channel, h.Ackno, h.Window = ch, ack, win
		return h, nil
	}

	wantFields := 5
	if typ == FrameANS {
		wantFields = 6
	}
	if len(fields) != wantFields {
		return nil, fmt.Errorf("%w: poorly-formed %s header", ErrProtocolError, typ)
	}

	ch, err := parseDecimal(fields[0])
	if err != nil {
		return nil, err
	}
	msgno, err := parseDecimal(fields[1])
	if err != nil {
		return nil, err
	}
	if len(fields[2]) != 1 || (fields[2][0] != '*' && fields[2][0] != '.') {
		return nil, fmt.Errorf("%w: poorly-formed more-flag", ErrProtocolError)
	}
	seqno, err := parseDecimal(fields[3])
	if err != nil {
		return nil, err
	}
	size, err := parseDecimal(fields[4])
	if err != nil {
		return nil, err
	}
	h.Channel = ch
	h.Msgno = msgno
	h.MoreChar = fields[2][0]
	h.More = h.MoreChar == '*'
	h.Seqno = seqno
	h.Size = size
	if typ == FrameANS {
		ansno, err := parseDecimal(fields[5])
		if err != nil {
			return nil, err
		}
		h.Ansno = ansno
	}
	return h, nil
}

// splitHeaderFields splits the trailing whitespace-separated decimal
// fields of a header line, tolerating the single trailing "\r" ReadString
// leaves behind being stripped by the caller already.
func splitHeaderFields(rest string) ([]string, error) {
	rest = trimCRLF(rest)
	var fields []string
	start := -1
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if c == ' ' {
			if start >= 0 {
				fields = append(fields, rest[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, rest[start:])
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty header fields", ErrProtocolError)
	}
	// first field must begin with a leading space separating it from the tag.
	if rest == "" || rest[0] != ' ' {
		return nil, fmt.Errorf("%w: malformed header separator", ErrProtocolError)
	}
	return fields, nil
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func parseDecimal(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty numeric field", ErrProtocolError)
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: non-digit %q in numeric field", ErrProtocolError, c)
		}
		v = v*10 + uint64(c-'0')
		if v > 0xFFFFFFFF {
			return 0, fmt.Errorf("%w: numeric field overflows uint32", ErrProtocolError)
		}
	}
	return uint32(v), nil
}

// verifyTrailer reports whether the 5 bytes following a frame's payload
// are the literal END\r\n trailer.
func verifyTrailer(b []byte) bool {
	return string(b) == frameTrailer
}

// joinable reports whether b is a valid continuation fragment of a, per
// invariant 6: same type/channel/msgno/ansno, a still "more", and a's
// payload-plus-mime-size exactly abuts b's seqno.
func joinable(a, b *Frame) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Type != b.Type || a.Channel != b.Channel || a.Msgno != b.Msgno {
		return false
	}
	if a.Type == FrameANS && a.Ansno != b.Ansno {
		return false
	}
	if !a.More {
		return false
	}
	aMimeSize := uint32(len(mimeEncodeHeaders(a.mime)))
	return a.Seqno+a.Size+aMimeSize == b.Seqno
}

// Joinable reports whether b is a valid continuation fragment of a.
func Joinable(a, b *Frame) bool { return joinable(a, b) }

// Join concatenates a and b into a new frame, per invariant 6. MIME state
// is carried over from a (the first fragment); joining preserves invariant
// 4 by concatenation of payload bytes.
func Join(a, b *Frame) (*Frame, error) {
	if !joinable(a, b) {
		return nil, fmt.Errorf("%w: frames are not joinable", ErrProtocolError)
	}
	out := &Frame{
		Type:     a.Type,
		Channel:  a.Channel,
		Msgno:    a.Msgno,
		Ansno:    a.Ansno,
		Seqno:    a.Seqno,
		MoreChar: b.MoreChar,
		More:     a.More && b.More,
		mime:     a.mime,
	}
	a.mime.ref()
	out.Payload = append(append([]byte{}, a.Payload...), b.Payload...)
	out.Size = uint32(len(out.Payload))
	return out, nil
}

// JoinInPlace behaves like Join but reuses a's payload buffer when it has
// spare capacity, to avoid a copy on the common "many small fragments"
// path.
func JoinInPlace(a, b *Frame) (*Frame, error) {
	if !joinable(a, b) {
		return nil, fmt.Errorf("%w: frames are not joinable", ErrProtocolError)
	}
	a.Payload = append(a.Payload, b.Payload...)
	a.Size = uint32(len(a.Payload))
	a.More = a.More && b.More
	a.MoreChar = b.MoreChar
	return a, nil
}

// copyFrame makes an independent copy of f, sharing the MIME state by
// reference (refcounted) rather than duplicating it, per §4.2.
func copyFrame(f *Frame) *Frame {
	out := *f
	out.Payload = append([]byte(nil), f.Payload...)
	out.Content = append([]byte(nil), f.Content...)
	if f.mime != nil {
		f.mime.ref()
		out.mime = f.mime
	}
	out.refs = 0
	out.channel = nil
	return &out
}

func (f *Frame) ref() {
	f.refs++
}

// unref drops a reference; the last unref releases the shared MIME state.
func (f *Frame) unref() {
	f.refs--
	if f.refs <= 0 && f.mime != nil {
		f.mime.unref()
		f.mime = nil
	}
}
