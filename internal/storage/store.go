package storage

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"time"
)

// ErrProfileNotFound is returned when an operation names a missing profile.
var ErrProfileNotFound = errors.New("profile not found")

// Profile is a saved set of device connection settings.
type Profile struct {
	Name      string
	URL       string // scheme://host[:port]
	Port      int    // overrides the URL port when non-zero
	APIKey    string
	APISecret string
	VerifyTLS bool
	Default   bool `msgpack:"-"` // derived from the meta bucket on read
	UpdatedAt time.Time
}

// BaseURL returns URL with Port applied.
func (p Profile) BaseURL() string {
	if p.Port == 0 {
		return p.URL
	}
	u, err := url.Parse(p.URL)
	if err != nil || u.Host == "" {
		return p.URL
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(p.Port))
	return u.String()
}

// Store is the persistence interface for device profiles.
type Store interface {
	// PutProfile creates or replaces a profile. The first profile saved, or
	// one with Default set, becomes the default.
	PutProfile(p Profile) error
	// GetProfile returns nil, nil when name does not exist.
	GetProfile(name string) (*Profile, error)
	DeleteProfile(name string) error
	// ListProfiles returns all profiles ordered by name.
	ListProfiles() ([]Profile, error)

	SetDefaultProfile(name string) error
	// DefaultProfile returns nil, nil when no default is set.
	DefaultProfile() (*Profile, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
