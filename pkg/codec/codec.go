package codec

import "fmt"

// HeaderFlagger is implemented by messages that carry bits in the frame's
// reserved header field (currently only ClipboardData's "more fragments"
// flag, per §4.1). Messages that don't implement it encode Reserved as 0.
type HeaderFlagger interface {
	HeaderReserved() uint16
}

// Encode builds a complete wire frame (header + payload) for msg.
func Encode(msg Message, seq, timestampUS uint64) ([]byte, error) {
	payload, err := msg.EncodePayload()
	if err != nil {
		return nil, err
	}
	var reserved uint16
	if hf, ok := msg.(HeaderFlagger); ok {
		reserved = hf.HeaderReserved()
	}
	header, err := EncodeHeader(msg.Type(), len(payload), seq, timestampUS, reserved)
	if err != nil {
		return nil, err
	}
	return append(header, payload...), nil
}

// DecodeMessage dispatches a decoded Frame's payload to its typed struct,
// in the same spirit as ws_input's "msgType := data[0]; switch msgType {...}"
// but keyed on the shared MessageType enum instead of a per-handler byte.
func DecodeMessage(f Frame) (Message, error) {
	switch f.Type {
	case TypeHello:
		return decodeHello(f.Payload)
	case TypeHelloAck:
		return decodeHelloAck(f.Payload)
	case TypeScreenInfo:
		return decodeScreenInfo(f.Payload)
	case TypeScreenInfoAck:
		return decodeScreenInfoAck(f.Payload)
	case TypePing:
		return decodePing(f.Payload)
	case TypePong:
		return decodePong(f.Payload)
	case TypeDisconnect:
		return decodeDisconnect(f.Payload)
	case TypeErrorMsg:
		return decodeErrorMsg(f.Payload)
	case TypeClipboardData:
		return decodeClipboardData(f.Payload, f.Reserved)
	case TypeKeyEvent:
		return decodeKeyEvent(f.Payload)
	case TypeMouseMove:
		return decodeMouseMove(f.Payload)
	case TypeMouseButton:
		return decodeMouseButton(f.Payload)
	case TypeMouseScroll:
		return decodeMouseScroll(f.Payload)
	case TypeInputBatch:
		return decodeInputBatch(f.Payload)
	case TypeAnnounce:
		return decodeAnnounce(f.Payload)
	case TypeAnnounceResponse:
		return decodeAnnounceResponse(f.Payload)
	case TypePairingRequest:
		return decodePairingRequest(f.Payload)
	case TypePairingResponse:
		return decodePairingResponse(f.Payload)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, byte(f.Type))
	}
}

// DecodeAndParse is the streaming-friendly helper: it pulls one frame off
// buf, decodes its payload into a Message, and reports total bytes consumed.
// Returns ErrInsufficientData (without consuming anything) if buf does not
// yet hold a complete frame.
func DecodeAndParse(buf []byte) (Message, int, error) {
	f, n, err := DecodeFrame(buf)
	if err != nil {
		return nil, 0, err
	}
	msg, err := DecodeMessage(f)
	if err != nil {
		return nil, n, err
	}
	return msg, n, nil
}

// SeqCounter is a monotonically increasing, wrap-clean sequence generator
// shared by the control and input channels (P3: sequence numbers must not
// repeat within a session's practical lifetime, and must wrap cleanly at
// 2^64-1 rather than panicking or going negative).
type SeqCounter struct {
	next uint64
}

// Next returns the next sequence number, wrapping from 2^64-1 back to 0.
func (c *SeqCounter) Next() uint64 {
	v := c.next
	c.next++
	return v
}
