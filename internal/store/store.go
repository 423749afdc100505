// Package store persists tunnel configurations as a YAML document with
// secrets encrypted at rest.
package store

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/culvert-dev/culvert/internal/tunnel"
)

// ErrNotFound is returned when a tunnel ID does not exist in the store.
var ErrNotFound = errors.New("tunnel not found")

type document struct {
	Tunnels []tunnel.Spec `yaml:"tunnels"`
}

// Store reads and writes the tunnel configuration file. Secrets (tunnel
// passwords and proxy passwords) are sealed with the store's cipher before
// hitting disk and opened on load.
type Store struct {
	path   string
	cipher Cipher
}

// New builds a store for path. A nil cipher stores secrets in plaintext.
func New(path string, cipher Cipher) *Store {
	if cipher == nil {
		cipher = Plaintext{}
	}
	return &Store{path: path, cipher: cipher}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads every tunnel from disk. A missing file is an empty store, not
// an error. Loaded specs get defaults applied: a missing ssh_port becomes 22
// and tunnels without an ID are assigned one.
func (s *Store) Load() ([]tunnel.Spec, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading store: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing store: %w", err)
	}

	for i := range doc.Tunnels {
		t := &doc.Tunnels[i]
		if t.SSHPort == 0 {
			t.SSHPort = 22
		}
		if t.ID == "" {
			t.ID = tunnel.NewID()
		}
		if err := s.openSecrets(t); err != nil {
			return nil, fmt.Errorf("tunnel %s: %w", t.Name, err)
		}
	}

	return doc.Tunnels, nil
}

// Save writes the full tunnel list to disk, sealing secrets first. The file
// is written with owner-only permissions.
func (s *Store) Save(specs []tunnel.Spec) error {
	doc := document{Tunnels: make([]tunnel.Spec, len(specs))}
	copy(doc.Tunnels, specs)

	for i := range doc.Tunnels {
		if err := s.sealSecrets(&doc.Tunnels[i]); err != nil {
			return fmt.Errorf("tunnel %s: %w", doc.Tunnels[i].Name, err)
		}
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing store: %w", err)
	}
	return nil
}

// Add appends spec to the store after validation, assigning an ID if the
// spec has none.
func (s *Store) Add(spec tunnel.Spec) (tunnel.Spec, error) {
	if spec.ID == "" {
		spec.ID = tunnel.NewID()
	}
	if err := spec.Validate(); err != nil {
		return tunnel.Spec{}, err
	}

	specs, err := s.Load()
	if err != nil {
		return tunnel.Spec{}, err
	}
	specs = append(specs, spec)
	if err := s.Save(specs); err != nil {
		return tunnel.Spec{}, err
	}
	return spec, nil
}

// Update replaces the stored spec with the same ID.
func (s *Store) Update(spec tunnel.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	specs, err := s.Load()
	if err != nil {
		return err
	}
	for i := range specs {
		if specs[i].ID == spec.ID {
			specs[i] = spec
			return s.Save(specs)
		}
	}
	return ErrNotFound
}

// Delete removes the tunnel with the given ID.
func (s *Store) Delete(id string) error {
	specs, err := s.Load()
	if err != nil {
		return err
	}
	for i := range specs {
		if specs[i].ID == id {
			specs = append(specs[:i], specs[i+1:]...)
			return s.Save(specs)
		}
	}
	return ErrNotFound
}

// Get returns the tunnel with the given ID.
func (s *Store) Get(id string) (tunnel.Spec, error) {
	specs, err := s.Load()
	if err != nil {
		return tunnel.Spec{}, err
	}
	for _, spec := range specs {
		if spec.ID == id {
			return spec, nil
		}
	}
	return tunnel.Spec{}, ErrNotFound
}

func (s *Store) sealSecrets(t *tunnel.Spec) error {
	var err error
	if t.Password != "" {
		if t.Password, err = s.cipher.Seal(t.Password); err != nil {
			return fmt.Errorf("sealing password: %w", err)
		}
	}
	if t.Proxy.Password != "" {
		if t.Proxy.Password, err = s.cipher.Seal(t.Proxy.Password); err != nil {
			return fmt.Errorf("sealing proxy password: %w", err)
		}
	}
	return nil
}

func (s *Store) openSecrets(t *tunnel.Spec) error {
	var err error
	if t.Password != "" {
		if t.Password, err = s.cipher.Open(t.Password); err != nil {
			return fmt.Errorf("opening password: %w", err)
		}
	}
	if t.Proxy.Password != "" {
		if t.Proxy.Password, err = s.cipher.Open(t.Proxy.Password); err != nil {
			return fmt.Errorf("opening proxy password: %w", err)
		}
	}
	return nil
}
