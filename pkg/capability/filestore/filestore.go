// Package filestore provides file-backed implementations of
// capability.LayoutStore, ConfigStore, and PairingStore, persisting each as
// YAML under a daemon's StateDir (config.ServerConfig.StateDir /
// config.ClientConfig.StateDir) — the on-disk counterpart to
// pkg/capability/memory's in-process fakes, wired by cmd/kvmd and cmd/kvmc
// as their default capabilities. Every write goes to a temp file first and
// is renamed into place, so a crash mid-write never leaves a half-written
// document behind.
package filestore

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

func writeAtomic(path string, v interface{}) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("filestore: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func readIfExists(path string, v interface{}) (bool, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("filestore: decode %s: %w", path, err)
	}
	return true, nil
}

// ensureDir creates dir (and parents) with owner-only permissions; every
// store in this package keeps its file under one such directory.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("filestore: create state dir %s: %w", dir, err)
	}
	return nil
}

// --- LayoutStore -----------------------------------------------------------

// LayoutStore persists a kvmtypes.VirtualLayout as layout.yaml.
type LayoutStore struct {
	path string
	mu   sync.Mutex
}

// NewLayoutStore opens (creating if needed) the layout store rooted at dir.
func NewLayoutStore(dir string) (*LayoutStore, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	return &LayoutStore{path: filepath.Join(dir, "layout.yaml")}, nil
}

type screenIDDoc struct {
	IsMaster bool   `yaml:"is_master"`
	Client   string `yaml:"client,omitempty"`
}

func toScreenIDDoc(id kvmtypes.ScreenID) screenIDDoc {
	if id.IsMaster {
		return screenIDDoc{IsMaster: true}
	}
	return screenIDDoc{Client: id.Client.String()}
}

func (d screenIDDoc) toScreenID() (kvmtypes.ScreenID, error) {
	if d.IsMaster {
		return kvmtypes.MasterScreenID, nil
	}
	id, err := kvmtypes.ParseClientID(d.Client)
	if err != nil {
		return kvmtypes.ScreenID{}, err
	}
	return kvmtypes.ClientScreenID(id), nil
}

type adjacencyDoc struct {
	FromScreen screenIDDoc  `yaml:"from_screen"`
	FromEdge   kvmtypes.Edge `yaml:"from_edge"`
	ToScreen   screenIDDoc  `yaml:"to_screen"`
	ToEdge     kvmtypes.Edge `yaml:"to_edge"`
}

type layoutDoc struct {
	Master      kvmtypes.ScreenRegion       `yaml:"master"`
	Clients     map[string]kvmtypes.ClientScreen `yaml:"clients"`
	Adjacencies []adjacencyDoc              `yaml:"adjacencies"`
}

func toLayoutDoc(l kvmtypes.VirtualLayout) layoutDoc {
	clients := make(map[string]kvmtypes.ClientScreen, len(l.Clients))
	for id, cs := range l.Clients {
		clients[id.String()] = cs
	}
	adj := make([]adjacencyDoc, len(l.Adjacencies))
	for i, a := range l.Adjacencies {
		adj[i] = adjacencyDoc{
			FromScreen: toScreenIDDoc(a.FromScreen),
			FromEdge:   a.FromEdge,
			ToScreen:   toScreenIDDoc(a.ToScreen),
			ToEdge:     a.ToEdge,
		}
	}
	return layoutDoc{Master: l.Master, Clients: clients, Adjacencies: adj}
}

func (d layoutDoc) toLayout() (kvmtypes.VirtualLayout, error) {
	clients := make(map[kvmtypes.ClientID]kvmtypes.ClientScreen, len(d.Clients))
	for key, cs := range d.Clients {
		id, err := kvmtypes.ParseClientID(key)
		if err != nil {
			return kvmtypes.VirtualLayout{}, fmt.Errorf("filestore: layout client id %q: %w", key, err)
		}
		clients[id] = cs
	}
	adj := make([]kvmtypes.Adjacency, len(d.Adjacencies))
	for i, a := range d.Adjacencies {
		from, err := a.FromScreen.toScreenID()
		if err != nil {
			return kvmtypes.VirtualLayout{}, err
		}
		to, err := a.ToScreen.toScreenID()
		if err != nil {
			return kvmtypes.VirtualLayout{}, err
		}
		adj[i] = kvmtypes.Adjacency{FromScreen: from, FromEdge: a.FromEdge, ToScreen: to, ToEdge: a.ToEdge}
	}
	return kvmtypes.VirtualLayout{Master: d.Master, Clients: clients, Adjacencies: adj}, nil
}

func (s *LayoutStore) Load(ctx context.Context) (kvmtypes.VirtualLayout, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc layoutDoc
	found, err := readIfExists(s.path, &doc)
	if err != nil || !found {
		return kvmtypes.VirtualLayout{}, found, err
	}
	layout, err := doc.toLayout()
	if err != nil {
		return kvmtypes.VirtualLayout{}, false, err
	}
	return layout, true, nil
}

func (s *LayoutStore) Save(ctx context.Context, layout kvmtypes.VirtualLayout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path, toLayoutDoc(layout))
}

var _ capability.LayoutStore = (*LayoutStore)(nil)

// --- ConfigStore -------------------------------------------------------

// ConfigStore persists a kvmtypes.NetworkConfig as network.yaml.
type ConfigStore struct {
	path string
	mu   sync.Mutex
}

// NewConfigStore opens (creating if needed) the config store rooted at dir.
func NewConfigStore(dir string) (*ConfigStore, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	return &ConfigStore{path: filepath.Join(dir, "network.yaml")}, nil
}

func (s *ConfigStore) Load(ctx context.Context) (kvmtypes.NetworkConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg kvmtypes.NetworkConfig
	found, err := readIfExists(s.path, &cfg)
	return cfg, found, err
}

func (s *ConfigStore) Save(ctx context.Context, cfg kvmtypes.NetworkConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path, cfg)
}

var _ capability.ConfigStore = (*ConfigStore)(nil)

// --- PairingStore --------------------------------------------------------

// PairingStore persists TOFU-pinned fingerprints as pairings.yaml, one hex
// string per client ID — the same cleartext-on-disk shape as an SSH
// known_hosts file, which is the right comparison: a pinned fingerprint is
// a public value meant to be compared on every reconnect, not a secret.
type PairingStore struct {
	path string
	mu   sync.Mutex
}

// NewPairingStore opens (creating if needed) the pairing store rooted at dir.
func NewPairingStore(dir string) (*PairingStore, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	return &PairingStore{path: filepath.Join(dir, "pairings.yaml")}, nil
}

func (s *PairingStore) load() (map[string]string, error) {
	entries := map[string]string{}
	if _, err := readIfExists(s.path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PairingStore) Put(ctx context.Context, id kvmtypes.ClientID, fp kvmtypes.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	entries[id.String()] = hex.EncodeToString(fp[:])
	return writeAtomic(s.path, entries)
}

func (s *PairingStore) Get(ctx context.Context, id kvmtypes.ClientID) (kvmtypes.Fingerprint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return kvmtypes.Fingerprint{}, false, err
	}
	hexFP, ok := entries[id.String()]
	if !ok {
		return kvmtypes.Fingerprint{}, false, nil
	}
	raw, err := hex.DecodeString(hexFP)
	if err != nil || len(raw) != len(kvmtypes.Fingerprint{}) {
		return kvmtypes.Fingerprint{}, false, fmt.Errorf("filestore: corrupt fingerprint for %s", id)
	}
	var fp kvmtypes.Fingerprint
	copy(fp[:], raw)
	return fp, true, nil
}

func (s *PairingStore) Delete(ctx context.Context, id kvmtypes.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	delete(entries, id.String())
	return writeAtomic(s.path, entries)
}

var _ capability.PairingStore = (*PairingStore)(nil)
