package codec

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Message is implemented by every payload struct in the §4.1 catalogue.
type Message interface {
	Type() MessageType
	EncodePayload() ([]byte, error)
}

func validateUTF8(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: field is not valid UTF-8", ErrInvalidMessage)
	}
	return nil
}

func putString(buf []byte, off int, s string, lenBytes int) int {
	n := len(s)
	switch lenBytes {
	case 2:
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(n))
	case 4:
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(n))
	}
	off += lenBytes
	copy(buf[off:off+n], s)
	return off + n
}

func takeString(buf []byte, off int, lenBytes int) (string, int, error) {
	if off+lenBytes > len(buf) {
		return "", 0, ErrInsufficientData
	}
	var n int
	switch lenBytes {
	case 2:
		n = int(binary.BigEndian.Uint16(buf[off : off+2]))
	case 4:
		n = int(binary.BigEndian.Uint32(buf[off : off+4]))
	}
	off += lenBytes
	if off+n > len(buf) {
		return "", 0, ErrInsufficientData
	}
	s := string(buf[off : off+n])
	if err := validateUTF8(s); err != nil {
		return "", 0, err
	}
	return s, off + n, nil
}

// ---- Hello ----

type Hello struct {
	ClientID [16]byte
	ProtoVer uint8
	Platform uint8
	Caps     uint32
	Name     string
}

func (Hello) Type() MessageType { return TypeHello }

func (m Hello) EncodePayload() ([]byte, error) {
	if err := validateUTF8(m.Name); err != nil {
		return nil, err
	}
	if len(m.Name) > 0xFFFF {
		return nil, fmt.Errorf("%w: name too long", ErrInvalidMessage)
	}
	buf := make([]byte, 16+1+1+4+2+len(m.Name))
	off := copy(buf, m.ClientID[:])
	buf[off] = m.ProtoVer
	off++
	buf[off] = m.Platform
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], m.Caps)
	off += 4
	putString(buf, off, m.Name, 2)
	return buf, nil
}

func decodeHello(p []byte) (Hello, error) {
	if len(p) < 16+1+1+4+2 {
		return Hello{}, ErrInsufficientData
	}
	var m Hello
	off := copy(m.ClientID[:], p[:16])
	m.ProtoVer = p[off]
	off++
	m.Platform = p[off]
	off++
	m.Caps = binary.BigEndian.Uint32(p[off : off+4])
	off += 4
	name, _, err := takeString(p, off, 2)
	if err != nil {
		return Hello{}, err
	}
	m.Name = name
	return m, nil
}

// ---- HelloAck ----

type RejectReason uint8

const (
	RejectNone RejectReason = iota
	RejectVersionMismatch
	RejectAuthFailed
	RejectTooManyClients
	RejectRateLimited
)

type HelloAck struct {
	SessionToken [32]byte
	ServerVer    uint8
	Accepted     bool
	RejectReason RejectReason
}

func (HelloAck) Type() MessageType { return TypeHelloAck }

func (m HelloAck) EncodePayload() ([]byte, error) {
	buf := make([]byte, 32+1+1+1)
	off := copy(buf, m.SessionToken[:])
	buf[off] = m.ServerVer
	off++
	if m.Accepted {
		buf[off] = 1
	}
	off++
	buf[off] = byte(m.RejectReason)
	return buf, nil
}

func decodeHelloAck(p []byte) (HelloAck, error) {
	if len(p) < 32+1+1+1 {
		return HelloAck{}, ErrInsufficientData
	}
	var m HelloAck
	off := copy(m.SessionToken[:], p[:32])
	m.ServerVer = p[off]
	off++
	m.Accepted = p[off] != 0
	off++
	m.RejectReason = RejectReason(p[off])
	return m, nil
}

// ---- ScreenInfo ----

type Monitor struct {
	ID      uint8
	X, Y    int32
	W, H    uint32
	Scale   uint16
	Primary bool
}

const monitorEncodedLen = 1 + 4 + 4 + 4 + 4 + 2 + 1

type ScreenInfo struct {
	Monitors []Monitor
}

func (ScreenInfo) Type() MessageType { return TypeScreenInfo }

func (m ScreenInfo) EncodePayload() ([]byte, error) {
	if len(m.Monitors) < 1 || len(m.Monitors) > 16 {
		return nil, fmt.Errorf("%w: monitor_count must be in [1,16]", ErrInvalidMessage)
	}
	buf := make([]byte, 1+len(m.Monitors)*monitorEncodedLen)
	buf[0] = byte(len(m.Monitors))
	off := 1
	for _, mon := range m.Monitors {
		buf[off] = mon.ID
		off++
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(mon.X))
		off += 4
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(mon.Y))
		off += 4
		binary.BigEndian.PutUint32(buf[off:off+4], mon.W)
		off += 4
		binary.BigEndian.PutUint32(buf[off:off+4], mon.H)
		off += 4
		binary.BigEndian.PutUint16(buf[off:off+2], mon.Scale)
		off += 2
		if mon.Primary {
			buf[off] = 1
		}
		off++
	}
	return buf, nil
}

func decodeScreenInfo(p []byte) (ScreenInfo, error) {
	if len(p) < 1 {
		return ScreenInfo{}, ErrInsufficientData
	}
	count := int(p[0])
	if count < 1 || count > 16 {
		return ScreenInfo{}, fmt.Errorf("%w: monitor_count must be in [1,16]", ErrInvalidMessage)
	}
	need := 1 + count*monitorEncodedLen
	if len(p) < need {
		return ScreenInfo{}, ErrInsufficientData
	}
	off := 1
	mons := make([]Monitor, count)
	for i := 0; i < count; i++ {
		var mon Monitor
		mon.ID = p[off]
		off++
		mon.X = int32(binary.BigEndian.Uint32(p[off : off+4]))
		off += 4
		mon.Y = int32(binary.BigEndian.Uint32(p[off : off+4]))
		off += 4
		mon.W = binary.BigEndian.Uint32(p[off : off+4])
		off += 4
		mon.H = binary.BigEndian.Uint32(p[off : off+4])
		off += 4
		mon.Scale = binary.BigEndian.Uint16(p[off : off+2])
		off += 2
		mon.Primary = p[off] != 0
		off++
		if mon.W == 0 || mon.H == 0 {
			return ScreenInfo{}, fmt.Errorf("%w: monitor dimensions must be > 0", ErrInvalidMessage)
		}
		mons[i] = mon
	}
	return ScreenInfo{Monitors: mons}, nil
}

// ---- ScreenInfoAck ----

type ScreenInfoAck struct{}

func (ScreenInfoAck) Type() MessageType               { return TypeScreenInfoAck }
func (ScreenInfoAck) EncodePayload() ([]byte, error)  { return []byte{}, nil }
func decodeScreenInfoAck(_ []byte) (ScreenInfoAck, error) {
	return ScreenInfoAck{}, nil
}

// ---- Ping / Pong ----

type Ping struct{ EchoToken uint64 }
type Pong struct{ EchoToken uint64 }

func (Ping) Type() MessageType { return TypePing }
func (Pong) Type() MessageType { return TypePong }

func (m Ping) EncodePayload() ([]byte, error) { return encodeEcho(m.EchoToken), nil }
func (m Pong) EncodePayload() ([]byte, error) { return encodeEcho(m.EchoToken), nil }

func encodeEcho(token uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, token)
	return buf
}

func decodeEcho(p []byte) (uint64, error) {
	if len(p) < 8 {
		return 0, ErrInsufficientData
	}
	return binary.BigEndian.Uint64(p[:8]), nil
}

func decodePing(p []byte) (Ping, error) {
	t, err := decodeEcho(p)
	return Ping{EchoToken: t}, err
}

func decodePong(p []byte) (Pong, error) {
	t, err := decodeEcho(p)
	return Pong{EchoToken: t}, err
}

// ---- Disconnect ----

type DisconnectReason uint8

const (
	DisconnectNormal DisconnectReason = iota
	DisconnectIdleTimeout
	DisconnectAuthFailed
	DisconnectProtocolError
	DisconnectShutdown
)

type Disconnect struct{ Reason DisconnectReason }

func (Disconnect) Type() MessageType { return TypeDisconnect }
func (m Disconnect) EncodePayload() ([]byte, error) {
	return []byte{byte(m.Reason)}, nil
}
func decodeDisconnect(p []byte) (Disconnect, error) {
	if len(p) < 1 {
		return Disconnect{}, ErrInsufficientData
	}
	return Disconnect{Reason: DisconnectReason(p[0])}, nil
}

// ---- ErrorMsg ----

type ErrorCode uint8

const (
	ErrCodeInternal ErrorCode = iota
	ErrCodeProtocolVersionMismatch
	ErrCodeUnknownMessageType
	ErrCodeInvalidMessage
	ErrCodeAuthenticationFailed
	ErrCodePairingRequired
	ErrCodeTooManyClients
	ErrCodeRateLimited
)

type ErrorMsg struct {
	Code   ErrorCode
	Detail string
}

func (ErrorMsg) Type() MessageType { return TypeErrorMsg }

func (m ErrorMsg) EncodePayload() ([]byte, error) {
	if err := validateUTF8(m.Detail); err != nil {
		return nil, err
	}
	if len(m.Detail) > 0xFFFF {
		return nil, fmt.Errorf("%w: detail too long", ErrInvalidMessage)
	}
	buf := make([]byte, 1+2+len(m.Detail))
	buf[0] = byte(m.Code)
	putString(buf, 1, m.Detail, 2)
	return buf, nil
}

func decodeErrorMsg(p []byte) (ErrorMsg, error) {
	if len(p) < 1+2 {
		return ErrorMsg{}, ErrInsufficientData
	}
	detail, _, err := takeString(p, 1, 2)
	if err != nil {
		return ErrorMsg{}, err
	}
	return ErrorMsg{Code: ErrorCode(p[0]), Detail: detail}, nil
}

// ---- Announce / AnnounceResponse ----

type Announce struct {
	ClientID    [16]byte
	Platform    uint8
	ControlPort uint16
	Name        string
}

func (Announce) Type() MessageType { return TypeAnnounce }

func (m Announce) EncodePayload() ([]byte, error) {
	if err := validateUTF8(m.Name); err != nil {
		return nil, err
	}
	buf := make([]byte, 16+1+2+2+len(m.Name))
	off := copy(buf, m.ClientID[:])
	buf[off] = m.Platform
	off++
	binary.BigEndian.PutUint16(buf[off:off+2], m.ControlPort)
	off += 2
	putString(buf, off, m.Name, 2)
	return buf, nil
}

func decodeAnnounce(p []byte) (Announce, error) {
	if len(p) < 16+1+2+2 {
		return Announce{}, ErrInsufficientData
	}
	var m Announce
	off := copy(m.ClientID[:], p[:16])
	m.Platform = p[off]
	off++
	m.ControlPort = binary.BigEndian.Uint16(p[off : off+2])
	off += 2
	name, _, err := takeString(p, off, 2)
	if err != nil {
		return Announce{}, err
	}
	m.Name = name
	return m, nil
}

type AnnounceResponse struct {
	ServerID    [16]byte
	ControlPort uint16
}

func (AnnounceResponse) Type() MessageType { return TypeAnnounceResponse }

func (m AnnounceResponse) EncodePayload() ([]byte, error) {
	buf := make([]byte, 16+2)
	off := copy(buf, m.ServerID[:])
	binary.BigEndian.PutUint16(buf[off:off+2], m.ControlPort)
	return buf, nil
}

func decodeAnnounceResponse(p []byte) (AnnounceResponse, error) {
	if len(p) < 16+2 {
		return AnnounceResponse{}, ErrInsufficientData
	}
	var m AnnounceResponse
	off := copy(m.ServerID[:], p[:16])
	m.ControlPort = binary.BigEndian.Uint16(p[off : off+2])
	return m, nil
}

// ---- PairingRequest / PairingResponse ----

type PairingRequest struct{ Nonce [16]byte }

func (PairingRequest) Type() MessageType { return TypePairingRequest }
func (m PairingRequest) EncodePayload() ([]byte, error) {
	buf := make([]byte, 16)
	copy(buf, m.Nonce[:])
	return buf, nil
}
func decodePairingRequest(p []byte) (PairingRequest, error) {
	if len(p) < 16 {
		return PairingRequest{}, ErrInsufficientData
	}
	var m PairingRequest
	copy(m.Nonce[:], p[:16])
	return m, nil
}

type PairingResponse struct{ ClientPinHash [32]byte }

func (PairingResponse) Type() MessageType { return TypePairingResponse }
func (m PairingResponse) EncodePayload() ([]byte, error) {
	buf := make([]byte, 32)
	copy(buf, m.ClientPinHash[:])
	return buf, nil
}
func decodePairingResponse(p []byte) (PairingResponse, error) {
	if len(p) < 32 {
		return PairingResponse{}, ErrInsufficientData
	}
	var m PairingResponse
	copy(m.ClientPinHash[:], p[:32])
	return m, nil
}

// ---- KeyEvent ----

type KeyEventType uint8

const (
	KeyDown KeyEventType = 1
	KeyUp   KeyEventType = 2
)

type KeyEvent struct {
	HIDCode   uint16
	Scan      uint16
	EventType KeyEventType
	Modifiers uint8
}

func (KeyEvent) Type() MessageType { return TypeKeyEvent }

func (m KeyEvent) EncodePayload() ([]byte, error) {
	buf := make([]byte, 2+2+1+1)
	binary.BigEndian.PutUint16(buf[0:2], m.HIDCode)
	binary.BigEndian.PutUint16(buf[2:4], m.Scan)
	buf[4] = byte(m.EventType)
	buf[5] = m.Modifiers
	return buf, nil
}

func decodeKeyEvent(p []byte) (KeyEvent, error) {
	if len(p) < 6 {
		return KeyEvent{}, ErrInsufficientData
	}
	return KeyEvent{
		HIDCode:   binary.BigEndian.Uint16(p[0:2]),
		Scan:      binary.BigEndian.Uint16(p[2:4]),
		EventType: KeyEventType(p[4]),
		Modifiers: p[5],
	}, nil
}

// ---- MouseMove ----

type MouseMove struct {
	X, Y   int32
	DX, DY int16
}

func (MouseMove) Type() MessageType { return TypeMouseMove }

func (m MouseMove) EncodePayload() ([]byte, error) {
	buf := make([]byte, 4+4+2+2)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.X))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Y))
	binary.BigEndian.PutUint16(buf[8:10], uint16(m.DX))
	binary.BigEndian.PutUint16(buf[10:12], uint16(m.DY))
	return buf, nil
}

func decodeMouseMove(p []byte) (MouseMove, error) {
	if len(p) < 12 {
		return MouseMove{}, ErrInsufficientData
	}
	return MouseMove{
		X:  int32(binary.BigEndian.Uint32(p[0:4])),
		Y:  int32(binary.BigEndian.Uint32(p[4:8])),
		DX: int16(binary.BigEndian.Uint16(p[8:10])),
		DY: int16(binary.BigEndian.Uint16(p[10:12])),
	}, nil
}

// ---- MouseButton ----

type MouseButtonEventType uint8

const (
	MouseButtonDown MouseButtonEventType = 1
	MouseButtonUp   MouseButtonEventType = 2
)

type MouseButton struct {
	Button    uint8
	EventType MouseButtonEventType
	X, Y      int32
}

func (MouseButton) Type() MessageType { return TypeMouseButton }

func (m MouseButton) EncodePayload() ([]byte, error) {
	buf := make([]byte, 1+1+4+4)
	buf[0] = m.Button
	buf[1] = byte(m.EventType)
	binary.BigEndian.PutUint32(buf[2:6], uint32(m.X))
	binary.BigEndian.PutUint32(buf[6:10], uint32(m.Y))
	return buf, nil
}

func decodeMouseButton(p []byte) (MouseButton, error) {
	if len(p) < 10 {
		return MouseButton{}, ErrInsufficientData
	}
	return MouseButton{
		Button:    p[0],
		EventType: MouseButtonEventType(p[1]),
		X:         int32(binary.BigEndian.Uint32(p[2:6])),
		Y:         int32(binary.BigEndian.Uint32(p[6:10])),
	}, nil
}

// ---- MouseScroll ----

type MouseScroll struct {
	DX, DY int16 // 1/120 of a notch
	X, Y   int32
}

func (MouseScroll) Type() MessageType { return TypeMouseScroll }

func (m MouseScroll) EncodePayload() ([]byte, error) {
	buf := make([]byte, 2+2+4+4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.DX))
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.DY))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.X))
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.Y))
	return buf, nil
}

func decodeMouseScroll(p []byte) (MouseScroll, error) {
	if len(p) < 12 {
		return MouseScroll{}, ErrInsufficientData
	}
	return MouseScroll{
		DX: int16(binary.BigEndian.Uint16(p[0:2])),
		DY: int16(binary.BigEndian.Uint16(p[2:4])),
		X:  int32(binary.BigEndian.Uint32(p[4:8])),
		Y:  int32(binary.BigEndian.Uint32(p[8:12])),
	}, nil
}

// ---- InputBatch ----

// SubEvent is one type-tagged entry inside an InputBatch, carrying its own
// sub-header (type:u8, sub_len:u16, sub_seq_delta:u16 — 5 bytes, though
// §4.1 labels this a 6-byte sub-header) ahead of the nested payload.
type SubEvent struct {
	Type         MessageType
	SeqDelta     uint16
	PayloadBytes []byte
}

type InputBatch struct {
	Events []SubEvent
}

func (InputBatch) Type() MessageType { return TypeInputBatch }

func (m InputBatch) EncodePayload() ([]byte, error) {
	if len(m.Events) > 0xFF {
		return nil, fmt.Errorf("%w: batch count exceeds 255", ErrInvalidMessage)
	}
	total := 1
	for _, e := range m.Events {
		total += 1 + 2 + 2 + len(e.PayloadBytes)
	}
	buf := make([]byte, total)
	buf[0] = byte(len(m.Events))
	off := 1
	for _, e := range m.Events {
		buf[off] = byte(e.Type)
		off++
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(e.PayloadBytes)))
		off += 2
		binary.BigEndian.PutUint16(buf[off:off+2], e.SeqDelta)
		off += 2
		copy(buf[off:], e.PayloadBytes)
		off += len(e.PayloadBytes)
	}
	return buf, nil
}

func decodeInputBatch(p []byte) (InputBatch, error) {
	if len(p) < 1 {
		return InputBatch{}, ErrInsufficientData
	}
	count := int(p[0])
	off := 1
	events := make([]SubEvent, 0, count)
	for i := 0; i < count; i++ {
		if off+5 > len(p) {
			return InputBatch{}, ErrInsufficientData
		}
		t := MessageType(p[off])
		subLen := int(binary.BigEndian.Uint16(p[off+1 : off+3]))
		seqDelta := binary.BigEndian.Uint16(p[off+3 : off+5])
		off += 5
		if off+subLen > len(p) {
			return InputBatch{}, ErrInsufficientData
		}
		payload := make([]byte, subLen)
		copy(payload, p[off:off+subLen])
		off += subLen
		events = append(events, SubEvent{Type: t, SeqDelta: seqDelta, PayloadBytes: payload})
	}
	return InputBatch{Events: events}, nil
}

// ---- ClipboardData ----

// FragmentMoreBit is bit 0 of the reserved header field, denoting
// "more fragments follow". Only in-order, contiguous fragments are
// accepted (see spec Open Questions); reassembly is caller-driven.
const FragmentMoreBit = 0x01

type ClipboardData struct {
	Format uint8
	More   bool
	Data   []byte
}

func (ClipboardData) Type() MessageType { return TypeClipboardData }

// HeaderReserved puts the "more fragments follow" bit in the frame's
// reserved header field per §4.1, rather than in the payload.
func (m ClipboardData) HeaderReserved() uint16 {
	if m.More {
		return FragmentMoreBit
	}
	return 0
}

func (m ClipboardData) EncodePayload() ([]byte, error) {
	buf := make([]byte, 1+4+len(m.Data))
	buf[0] = m.Format
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(m.Data)))
	copy(buf[5:], m.Data)
	return buf, nil
}

func decodeClipboardData(p []byte, reserved uint16) (ClipboardData, error) {
	if len(p) < 1+4 {
		return ClipboardData{}, ErrInsufficientData
	}
	format := p[0]
	dataLen := binary.BigEndian.Uint32(p[1:5])
	if uint32(len(p)-5) < dataLen {
		return ClipboardData{}, ErrInsufficientData
	}
	data := make([]byte, dataLen)
	copy(data, p[5:5+dataLen])
	return ClipboardData{Format: format, More: reserved&FragmentMoreBit != 0, Data: data}, nil
}
