package axdp

import "encoding/binary"

// wireLenPrefix is the framing AXDP messages carry over a session or UI
// byte stream: a 4-byte big-endian total length (of the magic+TLV body
// that follows), so the reassembler can tell when a complete message has
// arrived without re-parsing TLVs speculatively on every Feed call.
const wireLenPrefix = 4

// FrameForWire prepends the stream-framing length prefix to an encoded
// message, for appending to a session's outbound byte stream.
func FrameForWire(encoded []byte) []byte {
	out := make([]byte, wireLenPrefix+len(encoded))
	binary.BigEndian.PutUint32(out[:wireLenPrefix], uint32(len(encoded)))
	copy(out[wireLenPrefix:], encoded)
	return out
}

// Fragment splits wire-framed bytes into pieces no larger than paclen, for
// handing to a session's Send (or direct UI transmission) one per frame.
// paclen must be at least 1; callers enforce spec.md's header+1 minimum.
func Fragment(framed []byte, paclen int) [][]byte {
	if paclen <= 0 {
		paclen = 1
	}
	if len(framed) == 0 {
		return nil
	}
	var out [][]byte
	for off := 0; off < len(framed); off += paclen {
		end := off + paclen
		if end > len(framed) {
			end = len(framed)
		}
		out = append(out, framed[off:end])
	}
	return out
}

// Reassembler accumulates fragments from one source (a session, or one UI
// sender) and greedily extracts complete AXDP messages as enough bytes
// arrive, per spec.md §4.4's "payload bytes ... appended to a per-session
// (or per-source for UI) reassembly buffer" requirement.
type Reassembler struct {
	buf []byte
}

// Feed appends newly delivered bytes and extracts every complete message
// now available. It never panics on malformed input: a message whose
// declared length cannot be satisfied by any further feed (i.e. simply not
// enough bytes yet) is left buffered; a message that decodes with an error
// once its bytes are complete is reported via err and dropped so the
// reassembler can continue with whatever follows.
func (r *Reassembler) Feed(data []byte) ([]Message, error) {
	r.buf = append(r.buf, data...)

	var out []Message
	var firstErr error
	for {
		if len(r.buf) < wireLenPrefix {
			break
		}
		length := int(binary.BigEndian.Uint32(r.buf[:wireLenPrefix]))
		if len(r.buf) < wireLenPrefix+length {
			break
		}
		body := r.buf[wireLenPrefix : wireLenPrefix+length]
		r.buf = r.buf[wireLenPrefix+length:]

		msg, err := Decode(body)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, msg)
	}
	return out, firstErr
}

// Pending reports the number of buffered-but-not-yet-extractable bytes.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}
