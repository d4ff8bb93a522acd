// Package codec implements the framed binary wire protocol: fixed 24-byte
// headers followed by a type-specific payload, encoded big-endian.
//
// The layout mirrors the hand-rolled binary message framing the teacher
// uses for its own input channel (see desktop.ws_input's
// "[isDown:1][modifiers:1][keycode:2]"-style fixed-offset payloads and
// session_registry's "type(1) + userId(4) + x(4) + y(4) + ..." messages),
// generalised here into one header shared by every message kind instead of
// one ad-hoc layout per handler.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is the only wire version this revision understands.
const ProtocolVersion uint8 = 0x01

// HeaderLen is the fixed header size in bytes.
const HeaderLen = 24

// MaxControlPayload bounds control-channel payload allocation.
const MaxControlPayload = 64 * 1024

// MaxInputPayload is the target upper bound for a single input datagram.
const MaxInputPayload = 1400

// MessageType partitions the message space into control/input/discovery
// ranges per §4.1.
type MessageType uint8

const (
	TypeHello            MessageType = 0x01
	TypeHelloAck         MessageType = 0x02
	TypeScreenInfo       MessageType = 0x03
	TypeScreenInfoAck    MessageType = 0x04
	TypePing             MessageType = 0x05
	TypePong             MessageType = 0x06
	TypeDisconnect       MessageType = 0x07
	TypeErrorMsg         MessageType = 0x08
	TypeClipboardData    MessageType = 0x09

	TypeKeyEvent      MessageType = 0x40
	TypeMouseMove     MessageType = 0x41
	TypeMouseButton   MessageType = 0x42
	TypeMouseScroll   MessageType = 0x43
	TypeInputBatch    MessageType = 0x44

	TypeAnnounce         MessageType = 0x80
	TypeAnnounceResponse MessageType = 0x81
	TypePairingRequest   MessageType = 0x82
	TypePairingResponse  MessageType = 0x83
)

// Channel classifies a MessageType into one of the three wire channels.
type Channel uint8

const (
	ChannelUnknown Channel = iota
	ChannelControl
	ChannelInput
	ChannelDiscovery
)

// ChannelOf reports which channel a message type belongs on.
func ChannelOf(t MessageType) Channel {
	switch {
	case t >= 0x01 && t <= 0x3F:
		return ChannelControl
	case t >= 0x40 && t <= 0x7F:
		return ChannelInput
	case t >= 0x80 && t <= 0x8F:
		return ChannelDiscovery
	default:
		return ChannelUnknown
	}
}

// Errors returned by Decode/Encode, per §4.1 and §7.
var (
	ErrInsufficientData        = errors.New("codec: insufficient data")
	ErrProtocolVersionMismatch = errors.New("codec: protocol version mismatch")
	ErrUnknownMessageType      = errors.New("codec: unknown message type")
	ErrInvalidMessage          = errors.New("codec: invalid message")
)

// Frame is the decoded 24-byte header plus raw payload bytes.
type Frame struct {
	Version      uint8
	Type         MessageType
	Reserved     uint16
	PayloadLen   uint32
	Seq          uint64
	TimestampUS  uint64
	Payload      []byte
}

// EncodeHeader writes the 24-byte header for the given frame metadata.
// reserved carries per-message flag bits (currently only
// ClipboardData's FragmentMoreBit, per §4.1); callers with nothing to
// signal pass 0.
func EncodeHeader(t MessageType, payloadLen int, seq, timestampUS uint64, reserved uint16) ([]byte, error) {
	if payloadLen < 0 || payloadLen > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: payload length %d out of range", ErrInvalidMessage, payloadLen)
	}
	ch := ChannelOf(t)
	if ch == ChannelControl && payloadLen > MaxControlPayload {
		return nil, fmt.Errorf("%w: control payload %d exceeds %d", ErrInvalidMessage, payloadLen, MaxControlPayload)
	}
	buf := make([]byte, HeaderLen)
	buf[0] = ProtocolVersion
	buf[1] = byte(t)
	binary.BigEndian.PutUint16(buf[2:4], reserved)
	binary.BigEndian.PutUint32(buf[4:8], uint32(payloadLen))
	binary.BigEndian.PutUint64(buf[8:16], seq)
	binary.BigEndian.PutUint64(buf[16:24], timestampUS)
	return buf, nil
}

// DecodeFrame parses the header and slices out the payload from buf.
// It returns ErrInsufficientData if buf does not yet contain a full frame;
// callers on a stream transport should keep buffering and retry.
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderLen {
		return Frame{}, 0, ErrInsufficientData
	}
	version := buf[0]
	if version != ProtocolVersion {
		return Frame{}, 0, ErrProtocolVersionMismatch
	}
	t := MessageType(buf[1])
	reserved := binary.BigEndian.Uint16(buf[2:4])
	payloadLen := binary.BigEndian.Uint32(buf[4:8])
	seq := binary.BigEndian.Uint64(buf[8:16])
	ts := binary.BigEndian.Uint64(buf[16:24])

	ch := ChannelOf(t)
	if ch == ChannelUnknown {
		return Frame{}, 0, ErrUnknownMessageType
	}
	limit := uint32(MaxControlPayload)
	if ch == ChannelInput {
		limit = MaxInputPayload
	}
	if payloadLen > limit {
		return Frame{}, 0, fmt.Errorf("%w: payload length %d exceeds channel limit %d", ErrInvalidMessage, payloadLen, limit)
	}

	total := HeaderLen + int(payloadLen)
	if len(buf) < total {
		return Frame{}, 0, ErrInsufficientData
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderLen:total])

	return Frame{
		Version:     version,
		Type:        t,
		Reserved:    reserved,
		PayloadLen:  payloadLen,
		Seq:         seq,
		TimestampUS: ts,
		Payload:     payload,
	}, total, nil
}
