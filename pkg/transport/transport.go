// Package transport implements capability.Transport over real sockets: a
// TLS-protected TCP control stream and a shared-port UDP input datagram
// channel, plus a gorilla/websocket control-stream variant for same-host
// development and integration-test harnesses.
//
// It generalises the teacher's api/pkg/connman's keyed-map-of-connections
// shape (a mutex-guarded map plus a background sweep goroutine) to a
// session-keyed UDP demultiplexer, and reuses pkg/secure's AES-256-GCM
// primitive for the one layer TLS doesn't reach: the input channel, which
// is raw UDP with no handshake of its own.
package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/secure"
)

// recordHeaderLen is the length prefix on every sealed record written to a
// ControlStream: a 4-byte big-endian payload length.
const recordHeaderLen = 4

// maxRecordPayload bounds a single control-stream plaintext record, well
// above codec.MaxControlPayload so the record layer never truncates a
// legitimate frame.
const maxRecordPayload = 1 << 20

// writeSealedRecord seals plaintext under key and writes it to w as one
// length-prefixed record: 4-byte length || nonce || ciphertext || tag.
func writeSealedRecord(w io.Writer, key, plaintext []byte) error {
	sealed, err := secure.SealGCM(key, plaintext)
	if err != nil {
		return fmt.Errorf("transport: seal record: %w", err)
	}
	if len(sealed) > maxRecordPayload {
		return fmt.Errorf("transport: sealed record too large (%d bytes)", len(sealed))
	}
	header := make([]byte, recordHeaderLen)
	binary.BigEndian.PutUint32(header, uint32(len(sealed)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("transport: write record header: %w", err)
	}
	if _, err := w.Write(sealed); err != nil {
		return fmt.Errorf("transport: write record body: %w", err)
	}
	return nil
}

// readSealedRecord reads one length-prefixed sealed record from r and
// returns its opened plaintext.
func readSealedRecord(r io.Reader, key []byte) ([]byte, error) {
	header := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxRecordPayload {
		return nil, fmt.Errorf("transport: record length %d exceeds maximum", n)
	}
	sealed := make([]byte, n)
	if _, err := io.ReadFull(r, sealed); err != nil {
		return nil, fmt.Errorf("transport: read record body: %w", err)
	}
	plain, err := secure.OpenGCM(key, sealed)
	if err != nil {
		return nil, fmt.Errorf("transport: open record: %w", err)
	}
	return plain, nil
}

// randomSalt draws a fresh per-connection salt for secure.DeriveSessionKey,
// exchanged in cleartext at the start of a control-stream handshake so both
// sides land on the same derived traffic key without a full Diffie-Hellman
// exchange: the secret each side already shares is the pinned fingerprint,
// and the salt only needs to be fresh, not secret.
func randomSalt(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("transport: read salt: %w", err)
	}
	return buf, nil
}

const saltSize = 16
