package filestore

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/secure"
)

const identityFileName = "identity.key"
const clientIDFileName = "client_id"

// LoadOrCreateIdentity loads the ed25519 private key persisted at
// dir/identity.key, or generates and persists a fresh one if none exists.
// Unlike the YAML-backed stores, the key is written as a raw
// ed25519.PrivateKeySize-byte file (mode 0600, no encoding): it is a secret,
// not a document meant to stay human-readable, the same role an SSH host
// key file plays for sshd.
func LoadOrCreateIdentity(dir string) (secure.HostIdentity, error) {
	if err := ensureDir(dir); err != nil {
		return secure.HostIdentity{}, err
	}
	path := filepath.Join(dir, identityFileName)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != ed25519.PrivateKeySize {
			return secure.HostIdentity{}, fmt.Errorf("filestore: %s has wrong length %d, want %d", path, len(raw), ed25519.PrivateKeySize)
		}
		priv := ed25519.PrivateKey(raw)
		return secure.HostIdentity{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
	case os.IsNotExist(err):
		identity, genErr := secure.GenerateHostIdentity()
		if genErr != nil {
			return secure.HostIdentity{}, genErr
		}
		if writeErr := os.WriteFile(path, identity.Private, 0o600); writeErr != nil {
			return secure.HostIdentity{}, fmt.Errorf("filestore: write %s: %w", path, writeErr)
		}
		return identity, nil
	default:
		return secure.HostIdentity{}, fmt.Errorf("filestore: read %s: %w", path, err)
	}
}

// LoadOrCreateClientID loads the client's stable identifier persisted at
// dir/client_id, or draws and persists a fresh one (§4.5: a client keeps the
// same ClientID across restarts so a reconnecting session is recognised as
// the same peer rather than re-pairing from scratch).
func LoadOrCreateClientID(dir string) (kvmtypes.ClientID, error) {
	if err := ensureDir(dir); err != nil {
		return kvmtypes.ClientID{}, err
	}
	path := filepath.Join(dir, clientIDFileName)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, parseErr := kvmtypes.ParseClientID(strings.TrimSpace(string(raw)))
		if parseErr != nil {
			return kvmtypes.ClientID{}, fmt.Errorf("filestore: %s: %w", path, parseErr)
		}
		return id, nil
	case os.IsNotExist(err):
		id := kvmtypes.NewClientID()
		if writeErr := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); writeErr != nil {
			return kvmtypes.ClientID{}, fmt.Errorf("filestore: write %s: %w", path, writeErr)
		}
		return id, nil
	default:
		return kvmtypes.ClientID{}, fmt.Errorf("filestore: read %s: %w", path, err)
	}
}
