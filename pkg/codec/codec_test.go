package codec

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip encodes msg, decodes it back, and asserts the result matches.
func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	wire, err := Encode(msg, 42, 1_000_000)
	require.NoError(t, err)

	f, n, err := DecodeFrame(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, uint64(42), f.Seq)
	assert.Equal(t, uint64(1_000_000), f.TimestampUS)

	got, err := DecodeMessage(f)
	require.NoError(t, err)
	return got
}

func TestRoundTrip_Hello(t *testing.T) {
	want := Hello{
		ClientID: [16]byte{1, 2, 3},
		ProtoVer: ProtocolVersion,
		Platform: uint8(2),
		Caps:     3,
		Name:     "workstation-a",
	}
	got := roundTrip(t, want)
	assert.Equal(t, want, got)
}

func TestRoundTrip_HelloAck(t *testing.T) {
	want := HelloAck{
		SessionToken: [32]byte{9, 9, 9},
		ServerVer:    ProtocolVersion,
		Accepted:     true,
		RejectReason: RejectNone,
	}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestRoundTrip_ScreenInfo(t *testing.T) {
	want := ScreenInfo{Monitors: []Monitor{
		{ID: 0, X: 0, Y: 0, W: 1920, H: 1080, Scale: 100, Primary: true},
		{ID: 1, X: 1920, Y: 0, W: 1280, H: 1024, Scale: 100, Primary: false},
	}}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestScreenInfo_RejectsEmptyAndOverfull(t *testing.T) {
	_, err := ScreenInfo{}.EncodePayload()
	assert.ErrorIs(t, err, ErrInvalidMessage)

	mons := make([]Monitor, 17)
	for i := range mons {
		mons[i] = Monitor{W: 1, H: 1}
	}
	_, err = ScreenInfo{Monitors: mons}.EncodePayload()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestRoundTrip_PingPong(t *testing.T) {
	assert.Equal(t, Ping{EchoToken: 7}, roundTrip(t, Ping{EchoToken: 7}))
	assert.Equal(t, Pong{EchoToken: math.MaxUint64}, roundTrip(t, Pong{EchoToken: math.MaxUint64}))
}

func TestRoundTrip_Disconnect(t *testing.T) {
	assert.Equal(t, Disconnect{Reason: DisconnectIdleTimeout}, roundTrip(t, Disconnect{Reason: DisconnectIdleTimeout}))
}

func TestRoundTrip_ErrorMsg(t *testing.T) {
	want := ErrorMsg{Code: ErrCodeRateLimited, Detail: "too many pairing attempts"}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestRoundTrip_AnnounceAndResponse(t *testing.T) {
	a := Announce{ClientID: [16]byte{4, 5, 6}, Platform: 1, ControlPort: 9443, Name: "laptop"}
	assert.Equal(t, a, roundTrip(t, a))

	r := AnnounceResponse{ServerID: [16]byte{7, 8, 9}, ControlPort: 9443}
	assert.Equal(t, r, roundTrip(t, r))
}

func TestRoundTrip_PairingRequestAndResponse(t *testing.T) {
	req := PairingRequest{Nonce: [16]byte{1}}
	assert.Equal(t, req, roundTrip(t, req))

	resp := PairingResponse{ClientPinHash: [32]byte{2}}
	assert.Equal(t, resp, roundTrip(t, resp))
}

func TestRoundTrip_KeyEvent(t *testing.T) {
	want := KeyEvent{HIDCode: 0x04, Scan: 0x1e, EventType: KeyDown, Modifiers: 0x02}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestRoundTrip_MouseMove(t *testing.T) {
	want := MouseMove{X: -100, Y: 200, DX: -5, DY: 5}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestRoundTrip_MouseButton(t *testing.T) {
	want := MouseButton{Button: 1, EventType: MouseButtonDown, X: 10, Y: 20}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestRoundTrip_MouseScroll(t *testing.T) {
	want := MouseScroll{DX: 0, DY: -120, X: 50, Y: 60}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestRoundTrip_InputBatch(t *testing.T) {
	key := KeyEvent{HIDCode: 0x04, EventType: KeyDown}
	keyPayload, err := key.EncodePayload()
	require.NoError(t, err)

	move := MouseMove{X: 1, Y: 2}
	movePayload, err := move.EncodePayload()
	require.NoError(t, err)

	want := InputBatch{Events: []SubEvent{
		{Type: TypeKeyEvent, SeqDelta: 0, PayloadBytes: keyPayload},
		{Type: TypeMouseMove, SeqDelta: 1, PayloadBytes: movePayload},
	}}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestRoundTrip_ClipboardData(t *testing.T) {
	want := ClipboardData{Format: 1, Data: []byte("hello clipboard")}
	assert.Equal(t, want, roundTrip(t, want))
}

func TestRoundTrip_ClipboardData_MoreBitSurvivesTheHeader(t *testing.T) {
	want := ClipboardData{Format: 1, More: true, Data: []byte("fragment one of many")}
	got := roundTrip(t, want)
	assert.Equal(t, want, got)
	assert.True(t, got.(ClipboardData).More)
}

// --- P2: truncated/partial frames on a streaming transport ---

func TestDecodeFrame_TruncatedHeaderIsInsufficientData(t *testing.T) {
	_, _, err := DecodeFrame(make([]byte, HeaderLen-1))
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestDecodeFrame_TruncatedPayloadIsInsufficientData(t *testing.T) {
	wire, err := Encode(Hello{Name: "x"}, 1, 1)
	require.NoError(t, err)

	_, _, err = DecodeFrame(wire[:len(wire)-1])
	assert.ErrorIs(t, err, ErrInsufficientData)

	// A full frame followed by a trailing partial one should decode the
	// first frame and report only its own length consumed.
	buf := append(append([]byte{}, wire...), wire[:HeaderLen+2]...)
	f, n, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, TypeHello, f.Type)
}

func TestDecodeFrame_VersionMismatch(t *testing.T) {
	wire, err := Encode(Ping{EchoToken: 1}, 1, 1)
	require.NoError(t, err)
	wire[0] = 0xFF
	_, _, err = DecodeFrame(wire)
	assert.ErrorIs(t, err, ErrProtocolVersionMismatch)
}

func TestDecodeFrame_UnknownType(t *testing.T) {
	wire, err := Encode(Ping{EchoToken: 1}, 1, 1)
	require.NoError(t, err)
	wire[1] = 0x20 // control range but unassigned
	_, _, err = DecodeAndParse(wire)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeFrame_InputPayloadOverLimit(t *testing.T) {
	header, err := EncodeHeader(TypeMouseMove, MaxInputPayload+1, 1, 1, 0)
	require.NoError(t, err)
	buf := append(header, make([]byte, MaxInputPayload+1)...)
	_, _, err = DecodeFrame(buf)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncodeHeader_ControlPayloadOverLimit(t *testing.T) {
	_, err := EncodeHeader(TypeHello, MaxControlPayload+1, 1, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

// --- P3: sequence counter is monotone and wraps cleanly ---

func TestSeqCounter_MonotoneAndWraps(t *testing.T) {
	c := SeqCounter{next: math.MaxUint64 - 1}
	a := c.Next()
	b := c.Next()
	wrapped := c.Next()
	assert.Equal(t, uint64(math.MaxUint64-1), a)
	assert.Equal(t, uint64(math.MaxUint64), b)
	assert.Equal(t, uint64(0), wrapped)
}

// --- P2: unknown/garbage bytes never panic the decoder ---

func TestDecodeFrame_GarbageNeverPanics(t *testing.T) {
	garbage := [][]byte{
		nil,
		{0x01},
		make([]byte, HeaderLen),
		append(make([]byte, HeaderLen), 0xFF, 0xFF, 0xFF),
	}
	for _, g := range garbage {
		_, _, err := DecodeFrame(g)
		if err != nil {
			assert.True(t, errors.Is(err, ErrInsufficientData) ||
				errors.Is(err, ErrProtocolVersionMismatch) ||
				errors.Is(err, ErrUnknownMessageType) ||
				errors.Is(err, ErrInvalidMessage))
		}
	}
}
