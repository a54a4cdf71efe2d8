package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProfileCRUD(t *testing.T) {
	s := newTestStore(t)

	// Not there yet
	p, err := s.GetProfile("home")
	if err != nil || p != nil {
		t.Fatalf("GetProfile before put: p=%v err=%v", p, err)
	}

	in := Profile{Name: "home", URL: "https://10.0.0.1", APIKey: "k", APISecret: "s", VerifyTLS: true}
	if err := s.PutProfile(in); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}

	p, err = s.GetProfile("home")
	if err != nil || p == nil {
		t.Fatalf("GetProfile after put: p=%v err=%v", p, err)
	}
	if p.URL != in.URL || p.APIKey != "k" || p.APISecret != "s" || !p.VerifyTLS {
		t.Errorf("unexpected profile %+v", p)
	}
	if p.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}

	// Replace
	in.URL = "https://10.0.0.2"
	if err := s.PutProfile(in); err != nil {
		t.Fatalf("PutProfile replace: %v", err)
	}
	p, _ = s.GetProfile("home")
	if p.URL != "https://10.0.0.2" {
		t.Errorf("replace not applied: %+v", p)
	}

	// Delete
	if err := s.DeleteProfile("home"); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	p, _ = s.GetProfile("home")
	if p != nil {
		t.Fatal("GetProfile after delete should be nil")
	}
	if err := s.DeleteProfile("home"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("second delete: expected ErrProfileNotFound, got %v", err)
	}
}

func TestPutProfileValidation(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutProfile(Profile{Name: "  ", URL: "https://fw"}); err == nil {
		t.Error("expected error for blank name")
	}
	if err := s.PutProfile(Profile{Name: "fw"}); err == nil {
		t.Error("expected error for missing URL")
	}
}

func TestDefaultProfile(t *testing.T) {
	s := newTestStore(t)

	def, err := s.DefaultProfile()
	if err != nil || def != nil {
		t.Fatalf("DefaultProfile on empty store: %v %v", def, err)
	}

	_ = s.PutProfile(Profile{Name: "a", URL: "https://a"})
	_ = s.PutProfile(Profile{Name: "b", URL: "https://b"})

	def, _ = s.DefaultProfile()
	if def == nil || def.Name != "a" || !def.Default {
		t.Fatalf("first profile should become default, got %+v", def)
	}

	if err := s.SetDefaultProfile("b"); err != nil {
		t.Fatalf("SetDefaultProfile: %v", err)
	}
	def, _ = s.DefaultProfile()
	if def == nil || def.Name != "b" {
		t.Fatalf("expected b as default, got %+v", def)
	}

	if err := s.SetDefaultProfile("missing"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}

	_ = s.PutProfile(Profile{Name: "c", URL: "https://c", Default: true})
	def, _ = s.DefaultProfile()
	if def == nil || def.Name != "c" {
		t.Fatalf("profile saved with Default should take over, got %+v", def)
	}

	if err := s.DeleteProfile("c"); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	def, _ = s.DefaultProfile()
	if def != nil {
		t.Fatalf("deleting the default should leave none, got %+v", def)
	}
}

func TestListProfiles(t *testing.T) {
	s := newTestStore(t)

	list, err := s.ListProfiles()
	if err != nil || len(list) != 0 {
		t.Fatalf("empty list: %v %v", list, err)
	}

	for _, n := range []string{"zeta", "alpha", "mid"} {
		if err := s.PutProfile(Profile{Name: n, URL: "https://" + n}); err != nil {
			t.Fatalf("PutProfile %s: %v", n, err)
		}
	}
	list, err = s.ListProfiles()
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(list) != 3 || list[0].Name != "alpha" || list[1].Name != "mid" || list[2].Name != "zeta" {
		t.Fatalf("expected name order, got %+v", list)
	}
	defaults := 0
	for _, p := range list {
		if p.Default {
			defaults++
			if p.Name != "zeta" {
				t.Errorf("expected zeta (first saved) as default, got %s", p.Name)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}
}

func TestProfileBaseURL(t *testing.T) {
	tests := []struct {
		url  string
		port int
		want string
	}{
		{"https://fw.lan", 0, "https://fw.lan"},
		{"https://fw.lan", 8443, "https://fw.lan:8443"},
		{"https://fw.lan:443", 8443, "https://fw.lan:8443"},
		{"https://[fd00::1]", 4443, "https://[fd00::1]:4443"},
	}
	for _, tt := range tests {
		got := Profile{URL: tt.url, Port: tt.port}.BaseURL()
		if got != tt.want {
			t.Errorf("BaseURL(%q, %d) = %q, want %q", tt.url, tt.port, got, tt.want)
		}
	}
}

func TestConcurrentProfileAccess(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i))
			_ = s.PutProfile(Profile{Name: name, URL: "https://" + name})
			_, _ = s.GetProfile(name)
			_, _ = s.ListProfiles()
		}(i)
	}
	wg.Wait()

	list, err := s.ListProfiles()
	if err != nil || len(list) != 20 {
		t.Fatalf("expected 20 profiles, got %d (%v)", len(list), err)
	}
}

func TestSizeBytes(t *testing.T) {
	s := newTestStore(t)
	size, err := s.SizeBytes()
	if err != nil {
		t.Fatalf("SizeBytes: %v", err)
	}
	if size <= 0 {
		t.Errorf("expected positive size, got %d", size)
	}
}

func TestFileCreated(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(filepath.Join(dir, "fwconsole.db")); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
}
