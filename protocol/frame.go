// File: protocol/frame.go
// Frame encoding/decoding for the base WebSocket framing layer.
//
// This is the single canonical codec: one decode path, one encode path.
// Masking is strictly a role property (§4.2) — the codec masks on encode
// iff told to, and reports whether a decoded frame arrived masked so the
// caller (Session) can enforce the role-masking rule.
package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFramePayload bounds a single frame's payload to protect against
// resource exhaustion from a malicious or malformed length field.
const MaxFramePayload = 16 << 20 // 16 MiB

// ErrFrameTooLarge is returned when a decoded length exceeds MaxFramePayload.
var ErrFrameTooLarge = errors.New("protocol: frame payload exceeds maximum allowed size")

// ArgumentError reports a caller-provided encode argument that violates the
// encoder contract (spec §4.2, §7): an invalid opcode or an oversized
// control-frame payload. It does not terminate a connection.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return "protocol: " + e.Msg }

// Frame is a single decoded WebSocket frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// ReadFrame decodes one frame header and payload from r. It reports whether
// the frame arrived with the mask bit set; enforcing the role-masking rule
// (masked iff role==Client on the wire *to* a server) is the Session's job,
// not the codec's, per spec §4.2.
//
// ReadFrame never masks nor unmasks in a role-aware way itself: it always
// unmasks when the mask bit is set, regardless of role, so the caller
// always receives plaintext payload bytes; it is the caller's
// responsibility to reject frames whose masked-ness is wrong for the role
// before trusting the payload.
func ReadFrame(r io.Reader) (frame Frame, masked bool, err error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, false, err
	}

	fin := hdr[0]&0x80 != 0
	opcode := Opcode(hdr[0] & 0x0F)
	masked = hdr[1]&0x80 != 0
	length := int64(hdr[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, false, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, false, err
		}
		length = int64(binary.BigEndian.Uint64(ext[:]))
		if length < 0 {
			return Frame{}, false, errors.New("protocol: negative frame length")
		}
	}

	if length > MaxFramePayload {
		return Frame{}, false, ErrFrameTooLarge
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(r, maskKey[:]); err != nil {
			return Frame{}, false, err
		}
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if err := readFull1KiB(r, payload); err != nil {
			return Frame{}, false, err
		}
	}
	if masked {
		unmaskInPlace(payload, maskKey)
	}

	return Frame{Fin: fin, Opcode: opcode, Payload: payload}, masked, nil
}

// readFull1KiB reads exactly len(dst) bytes from r, in chunks of at most
// 1 KiB, per spec §4.2 step 5's implementation suggestion.
func readFull1KiB(r io.Reader, dst []byte) error {
	const chunk = 1024
	for off := 0; off < len(dst); {
		end := off + chunk
		if end > len(dst) {
			end = len(dst)
		}
		n, err := io.ReadFull(r, dst[off:end])
		off += n
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteFrame encodes and writes one frame to w.
//
//   - role determines masking: RoleClient masks with a freshly generated
//     cryptographically random key; RoleServer never masks.
//   - first/last determine the FIN bit and whether opcode is transmitted
//     verbatim or as a Continuation (spec §4.2).
//
// WriteFrame validates its arguments per spec §4.2/§7: an unrecognized
// opcode or an oversized control-frame payload is an ArgumentError, not a
// connection-fatal error — the caller may retry with corrected arguments.
func WriteFrame(w io.Writer, role Role, opcode Opcode, payload []byte, first, last bool) error {
	if !opcode.Valid() {
		return &ArgumentError{Msg: fmt.Sprintf("invalid opcode %#x", byte(opcode))}
	}
	if opcode.IsControl() && len(payload) > MaxControlPayload {
		return &ArgumentError{Msg: fmt.Sprintf("control frame payload %d exceeds %d bytes", len(payload), MaxControlPayload)}
	}
	if len(payload) > MaxFramePayload {
		return &ArgumentError{Msg: "payload exceeds maximum allowed frame size"}
	}

	buf := make([]byte, 0, 14+len(payload))

	var b0 byte
	if last || opcode.IsControl() {
		b0 |= 0x80
	}
	if first {
		b0 |= byte(opcode)
	} // else: Continuation, opcode field stays 0

	mask := role == RoleClient
	plen := len(payload)

	var b1 byte
	if mask {
		b1 = 0x80
	}
	switch {
	case plen <= 125:
		buf = append(buf, b0, b1|byte(plen))
	case plen <= 0xFFFF:
		buf = append(buf, b0, b1|126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(plen))
		buf = append(buf, ext[:]...)
	default:
		buf = append(buf, b0, b1|127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(plen))
		buf = append(buf, ext[:]...)
	}

	if mask {
		var maskKey [4]byte
		if _, err := rand.Read(maskKey[:]); err != nil {
			return fmt.Errorf("protocol: generating mask key: %w", err)
		}
		buf = append(buf, maskKey[:]...)
		masked := make([]byte, plen)
		copy(masked, payload)
		unmaskInPlace(masked, maskKey)
		buf = append(buf, masked...)
	} else {
		buf = append(buf, payload...)
	}

	_, err := w.Write(buf)
	return err
}

// unmaskInPlace XORs each byte of buf with key[i%4]; the operation is its
// own inverse, so it serves both masking and unmasking.
func unmaskInPlace(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}
