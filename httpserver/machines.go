package httpserver

import (
	"errors"
	"sync"
)

var (
	// ErrNoKey means the machine has not registered a public key.
	ErrNoKey = errors.New("no key registered")
	// ErrKeyNotApproved means the key waits for administrator approval.
	ErrKeyNotApproved = errors.New("key not approved")
	// ErrNoSecret means no credential is configured for the machine.
	ErrNoSecret = errors.New("no secret configured")
)

// MachineKey is a registered machine public key.
type MachineKey struct {
	KeyID     string `json:"keyId"`
	KeyType   string `json:"keyType"`
	PubkeyPEM string `json:"pubkeyPem"`
	Approved  bool   `json:"approved"`
}

// Machine is the administrative state of one machine.
type Machine struct {
	Protected bool        `json:"protected"`
	BootImage string      `json:"bootImage,omitempty"`
	Key       *MachineKey `json:"key,omitempty"`
	secret    []byte
}

// MachineStore keeps machine state in memory.
type MachineStore struct {
	mu sync.RWMutex
	// AutoApprove approves keys as they are registered.
	AutoApprove bool
	machines    map[string]*Machine
}

func NewMachineStore(autoApprove bool) *MachineStore {
	return &MachineStore{
		AutoApprove: autoApprove,
		machines:    map[string]*Machine{},
	}
}

// get returns the machine, creating it. Callers hold the write lock.
func (s *MachineStore) get(id string) *Machine {
	m, ok := s.machines[id]
	if !ok {
		m = &Machine{}
		s.machines[id] = m
	}
	return m
}

// Snapshot returns a copy of the machine state.
func (s *MachineStore) Snapshot(id string) Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return Machine{}
	}
	out := *m
	if m.Key != nil {
		key := *m.Key
		out.Key = &key
	}
	out.secret = nil
	return out
}

func (s *MachineStore) SetProtected(id string, protected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).Protected = protected
}

func (s *MachineStore) SetBootImage(id, keyword string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).BootImage = keyword
}

func (s *MachineStore) SetSecret(id string, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).secret = append([]byte(nil), secret...)
}

// RegisterKey stores key for the machine. Registering a different key
// resets approval.
func (s *MachineStore) RegisterKey(id string, key MachineKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.get(id)
	if m.Key != nil && m.Key.KeyID == key.KeyID && m.Key.PubkeyPEM == key.PubkeyPEM {
		return
	}
	key.Approved = s.AutoApprove
	m.Key = &key
}

// Approve approves the machine key with keyID.
func (s *MachineStore) Approve(id, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok || m.Key == nil || m.Key.KeyID != keyID {
		return ErrNoKey
	}
	m.Key.Approved = true
	return nil
}

// Credential returns the approved public key and the secret to seal for the
// machine.
func (s *MachineStore) Credential(id string) (pubkeyPEM string, secret []byte, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	switch {
	case !ok || m.Key == nil:
		return "", nil, ErrNoKey
	case !m.Key.Approved:
		return "", nil, ErrKeyNotApproved
	case len(m.secret) == 0:
		return "", nil, ErrNoSecret
	}
	return m.Key.PubkeyPEM, append([]byte(nil), m.secret...), nil
}
