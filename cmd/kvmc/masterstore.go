package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

// masterEndpoint is the client's own record of the master it last paired
// with: its advertised control address and the fingerprint pinned during
// pairing. Persisting this (as master.yaml under StateDir) is what lets an
// already-paired client skip discovery and dial the master directly on
// every later restart.
type masterEndpoint struct {
	ServerID string `yaml:"server_id"`
	Addr     string `yaml:"addr"`
	Fp       string `yaml:"fingerprint"`
}

func masterEndpointPath(stateDir string) string {
	return filepath.Join(stateDir, "master.yaml")
}

func loadMasterEndpoint(stateDir string) (kvmtypes.ClientID, string, kvmtypes.Fingerprint, bool, error) {
	raw, err := os.ReadFile(masterEndpointPath(stateDir))
	if os.IsNotExist(err) {
		return kvmtypes.ClientID{}, "", kvmtypes.Fingerprint{}, false, nil
	}
	if err != nil {
		return kvmtypes.ClientID{}, "", kvmtypes.Fingerprint{}, false, fmt.Errorf("kvmc: read master endpoint: %w", err)
	}
	var doc masterEndpoint
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return kvmtypes.ClientID{}, "", kvmtypes.Fingerprint{}, false, fmt.Errorf("kvmc: decode master endpoint: %w", err)
	}
	serverID, err := kvmtypes.ParseClientID(doc.ServerID)
	if err != nil {
		return kvmtypes.ClientID{}, "", kvmtypes.Fingerprint{}, false, fmt.Errorf("kvmc: master endpoint server id: %w", err)
	}
	fpRaw, err := hex.DecodeString(doc.Fp)
	if err != nil || len(fpRaw) != len(kvmtypes.Fingerprint{}) {
		return kvmtypes.ClientID{}, "", kvmtypes.Fingerprint{}, false, fmt.Errorf("kvmc: master endpoint fingerprint corrupt")
	}
	var fp kvmtypes.Fingerprint
	copy(fp[:], fpRaw)
	return serverID, doc.Addr, fp, true, nil
}

func saveMasterEndpoint(stateDir string, serverID kvmtypes.ClientID, addr string, fp kvmtypes.Fingerprint) error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("kvmc: create state dir: %w", err)
	}
	doc := masterEndpoint{ServerID: serverID.String(), Addr: addr, Fp: hex.EncodeToString(fp[:])}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("kvmc: encode master endpoint: %w", err)
	}
	path := masterEndpointPath(stateDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("kvmc: write master endpoint: %w", err)
	}
	return os.Rename(tmp, path)
}
