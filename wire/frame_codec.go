// Package wire implements the RFC 6455 frame codec: pure functions that
// encode outgoing frames and incrementally decode an inbound byte stream
// into frames, with no I/O of their own. Everything here is a refinement
// of the donor's protocol/frame_codec.go decoder, adjusted from the
// server's "accept masked client frames" policy to the client's "always
// mask outbound, always reject masked inbound" policy.
package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/netloop/wsclient/api"
)

// MaxFramePayload bounds a single frame's payload, guarding against
// unbounded allocation from a hostile or buggy peer.
const MaxFramePayload = 1 << 20 // 1 MiB

// DecodeState threads fragmentation state across Step calls: the opcode
// and accumulated payload of any in-progress fragmented message. The
// partial-read buffer itself stays with the caller. Callers own it and
// must not share one DecodeState across connections.
type DecodeState struct {
	inFragment  bool
	fragOpcode  api.Opcode
	fragPayload []byte
}

// StepKind classifies the outcome of a single Step call.
type StepKind int

const (
	StepNeedMore StepKind = iota
	StepFrame
	StepProtocolError
)

// StepResult is the outcome of decoding as much of buf as currently
// possible.
type StepResult struct {
	Kind StepKind

	// Frame is valid when Kind == StepFrame: the fully reassembled
	// logical frame (or an immediately-yielded control frame). Consumed
	// is how many leading bytes of buf were used up; it is also set on a
	// StepNeedMore that absorbed a non-final data frame.
	Frame    *api.Frame
	Consumed int

	// Valid when Kind == StepProtocolError: the close code to send and a
	// human-readable reason.
	CloseCode uint16
	Reason    string
}

// Step decodes at most one logical frame from the head of buf. On
// StepNeedMore the caller must accumulate more bytes and retry with the
// same DecodeState; st is mutated in place to record fragmentation
// progress. A StepNeedMore with Consumed == 0 means the head of buf is an
// incomplete frame; Consumed > 0 means a non-final data frame was moved
// into st and the caller must drop those bytes and call Step again.
func Step(buf []byte, st *DecodeState) StepResult {
	raw, consumed, perr := parseRaw(buf)
	if perr != nil {
		return StepResult{Kind: StepProtocolError, CloseCode: perr.code, Reason: perr.reason}
	}
	if raw == nil {
		return StepResult{Kind: StepNeedMore}
	}

	if raw.opcode.IsControl() {
		if !raw.fin || len(raw.payload) > 125 {
			return StepResult{Kind: StepProtocolError, CloseCode: api.CloseProtocolError,
				Reason: "control frame must be final and <=125 bytes"}
		}
		frame, perr := controlFrame(raw)
		if perr != nil {
			return StepResult{Kind: StepProtocolError, CloseCode: perr.code, Reason: perr.reason}
		}
		return StepResult{Kind: StepFrame, Frame: frame, Consumed: consumed}
	}

	// Data frame (continuation/text/binary).
	switch raw.opcode {
	case api.OpcodeContinuation:
		if !st.inFragment {
			return StepResult{Kind: StepProtocolError, CloseCode: api.CloseProtocolError,
				Reason: "continuation frame with no fragment in progress"}
		}
		st.fragPayload = append(st.fragPayload, raw.payload...)
		if !raw.fin {
			return StepResult{Kind: StepNeedMore, Consumed: consumed}
		}
		if err := validateReassembled(st.fragOpcode, st.fragPayload); err != nil {
			st.inFragment = false
			st.fragOpcode = 0
			st.fragPayload = nil
			return StepResult{Kind: StepProtocolError, CloseCode: err.code, Reason: err.reason, Consumed: consumed}
		}
		frame := &api.Frame{Opcode: st.fragOpcode, Fin: true, Payload: st.fragPayload}
		st.inFragment = false
		st.fragOpcode = 0
		st.fragPayload = nil
		return StepResult{Kind: StepFrame, Frame: frame, Consumed: consumed}

	case api.OpcodeText, api.OpcodeBinary:
		if st.inFragment {
			return StepResult{Kind: StepProtocolError, CloseCode: api.CloseProtocolError,
				Reason: "new data frame while a fragmented message is in progress"}
		}
		if raw.fin {
			if err := validateReassembled(raw.opcode, raw.payload); err != nil {
				return StepResult{Kind: StepProtocolError, CloseCode: err.code, Reason: err.reason, Consumed: consumed}
			}
			frame := &api.Frame{Opcode: raw.opcode, Fin: true, Payload: raw.payload}
			return StepResult{Kind: StepFrame, Frame: frame, Consumed: consumed}
		}
		st.inFragment = true
		st.fragOpcode = raw.opcode
		st.fragPayload = append([]byte(nil), raw.payload...)
		return StepResult{Kind: StepNeedMore, Consumed: consumed}

	default:
		return StepResult{Kind: StepProtocolError, CloseCode: api.CloseProtocolError,
			Reason: fmt.Sprintf("reserved opcode 0x%x", byte(raw.opcode))}
	}
}

// validateReassembled checks a fully-reassembled data message against
// the one payload-level rule that survives fragmentation: a text
// message's payload must be valid UTF-8. Binary messages carry no such
// constraint.
func validateReassembled(opcode api.Opcode, payload []byte) *protoErr {
	if opcode == api.OpcodeText && !utf8.Valid(payload) {
		return &protoErr{api.CloseInvalidPayload, "text frame payload is not valid UTF-8"}
	}
	return nil
}

// controlFrame builds the yielded api.Frame for a control opcode,
// splitting a close frame's status code/reason out of the payload.
func controlFrame(raw *rawFrame) (*api.Frame, *protoErr) {
	f := &api.Frame{Opcode: raw.opcode, Fin: true, Payload: raw.payload}
	if raw.opcode != api.OpcodeClose {
		return f, nil
	}
	if len(raw.payload) == 0 {
		return f, nil
	}
	if len(raw.payload) < 2 {
		return nil, &protoErr{api.CloseProtocolError, "close frame payload shorter than status code"}
	}
	code := binary.BigEndian.Uint16(raw.payload[:2])
	if !api.ValidCloseCode(code) {
		return nil, &protoErr{api.CloseProtocolError, fmt.Sprintf("invalid close code %d", code)}
	}
	f.CloseCode = code
	f.CloseText = string(raw.payload[2:])
	return f, nil
}

// protoErr is the internal representation of a decode-time protocol
// violation, carrying the close code the caller should send.
type protoErr struct {
	code   uint16
	reason string
}

// rawFrame is a single wire-level frame header plus unmasked payload,
// before fragmentation/control-frame policy is applied.
type rawFrame struct {
	fin     bool
	opcode  api.Opcode
	masked  bool
	payload []byte
}

// parseRaw decodes one frame header+payload from the head of buf.
// Returns (nil, 0, nil) when more bytes are needed, (nil, 0, err) on a
// protocol violation, or (frame, consumed, nil) on success.
func parseRaw(buf []byte) (*rawFrame, int, *protoErr) {
	if len(buf) < 2 {
		return nil, 0, nil
	}
	b0, b1 := buf[0], buf[1]
	if b0&0x70 != 0 {
		return nil, 0, &protoErr{api.CloseProtocolError, "reserved bits set"}
	}
	fin := b0&0x80 != 0
	opcode := api.Opcode(b0 & 0x0F)
	masked := b1&0x80 != 0
	length := int64(b1 & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(buf) < offset+2 {
			return nil, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return nil, 0, nil
		}
		length = int64(binary.BigEndian.Uint64(buf[offset:]))
		offset += 8
	}

	if length > MaxFramePayload {
		return nil, 0, &protoErr{api.CloseMessageTooBig, "frame payload exceeds maximum allowed size"}
	}

	var maskKey [4]byte
	if masked {
		if len(buf) < offset+4 {
			return nil, 0, nil
		}
		copy(maskKey[:], buf[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	// Servers must never mask frames sent to the client.
	if masked {
		return nil, 0, &protoErr{api.CloseProtocolError, "server frame has mask bit set"}
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:total])

	return &rawFrame{fin: fin, opcode: opcode, masked: masked, payload: payload}, total, nil
}

// EncodeFrame serializes opcode/payload as a single FIN=1, masked client
// frame per RFC 6455 §5.2. A fresh 4-byte mask is drawn from a
// cryptographically uniform source for every call.
func EncodeFrame(opcode api.Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("wire: payload exceeds maximum frame size")
	}
	if opcode.IsControl() && len(payload) > 125 {
		return nil, fmt.Errorf("wire: control frame payload exceeds 125 bytes")
	}

	var maskKey [4]byte
	if _, err := rand.Read(maskKey[:]); err != nil {
		return nil, fmt.Errorf("wire: mask generation failed: %w", err)
	}

	plen := len(payload)
	var hdr [14]byte // up to 2 + 8 + 4
	hdr[0] = 0x80 | byte(opcode)

	var header []byte
	switch {
	case plen <= 125:
		hdr[1] = 0x80 | byte(plen)
		header = hdr[:2]
	case plen <= 0xFFFF:
		hdr[1] = 0x80 | 126
		binary.BigEndian.PutUint16(hdr[2:4], uint16(plen))
		header = hdr[:4]
	default:
		hdr[1] = 0x80 | 127
		binary.BigEndian.PutUint64(hdr[2:10], uint64(plen))
		header = hdr[:10]
	}

	out := make([]byte, 0, len(header)+4+plen)
	out = append(out, header...)
	out = append(out, maskKey[:]...)
	start := len(out)
	out = append(out, payload...)
	for i := 0; i < plen; i++ {
		out[start+i] ^= maskKey[i%4]
	}
	return out, nil
}

// EncodeClose builds a close frame body (2-byte status code + UTF-8
// reason) and encodes it. code == 0 sends an empty close body (no status
// code, per RFC 6455 §7.1.5 "1005/no status").
func EncodeClose(code uint16, reason string) ([]byte, error) {
	if code == 0 {
		return EncodeFrame(api.OpcodeClose, nil)
	}
	body := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(body[:2], code)
	copy(body[2:], reason)
	return EncodeFrame(api.OpcodeClose, body)
}
