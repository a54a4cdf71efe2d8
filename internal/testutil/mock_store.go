package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/developingchet/fwconsole/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu       sync.Mutex
	profiles map[string]storage.Profile
	def      string

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		profiles: make(map[string]storage.Profile),
		errors:   make(map[string]error),
		Size:     1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Profile operations -----------------------------------------------------

func (m *MockStore) PutProfile(p storage.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PutProfile"); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	m.profiles[p.Name] = p
	if p.Default || m.def == "" {
		m.def = p.Name
	}
	return nil
}

func (m *MockStore) GetProfile(name string) (*storage.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetProfile"); err != nil {
		return nil, err
	}
	p, ok := m.profiles[name]
	if !ok {
		return nil, nil
	}
	p.Default = name == m.def
	return &p, nil
}

func (m *MockStore) DeleteProfile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteProfile"); err != nil {
		return err
	}
	if _, ok := m.profiles[name]; !ok {
		return storage.ErrProfileNotFound
	}
	delete(m.profiles, name)
	if m.def == name {
		m.def = ""
	}
	return nil
}

func (m *MockStore) ListProfiles() ([]storage.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListProfiles"); err != nil {
		return nil, err
	}
	out := make([]storage.Profile, 0, len(m.profiles))
	for name, p := range m.profiles {
		p.Default = name == m.def
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MockStore) SetDefaultProfile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetDefaultProfile"); err != nil {
		return err
	}
	if _, ok := m.profiles[name]; !ok {
		return storage.ErrProfileNotFound
	}
	m.def = name
	return nil
}

func (m *MockStore) DefaultProfile() (*storage.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DefaultProfile"); err != nil {
		return nil, err
	}
	if m.def == "" {
		return nil, nil
	}
	p := m.profiles[m.def]
	p.Default = true
	return &p, nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error { return nil }

var _ storage.Store = (*MockStore)(nil)
