package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketProfiles = "profiles"
	bucketMeta     = "meta"

	keyDefaultProfile = "default_profile"
)

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/fwconsole.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "fwconsole.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketProfiles, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Profiles --------------------------------------------------------------

func (s *bboltStore) PutProfile(p Profile) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errors.New("profile name is required")
	}
	if p.URL == "" {
		return errors.New("profile URL is required")
	}
	p.UpdatedAt = time.Now().UTC()
	data, err := msgpack.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal Profile: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketProfiles)).Put([]byte(p.Name), data); err != nil {
			return err
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if p.Default || meta.Get([]byte(keyDefaultProfile)) == nil {
			return meta.Put([]byte(keyDefaultProfile), []byte(p.Name))
		}
		return nil
	})
}

func (s *bboltStore) GetProfile(name string) (*Profile, error) {
	var rec Profile
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketProfiles)).Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal Profile %s: %w", name, err)
		}
		rec.Default = string(tx.Bucket([]byte(bucketMeta)).Get([]byte(keyDefaultProfile))) == name
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *bboltStore) DeleteProfile(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketProfiles))
		if b.Get([]byte(name)) == nil {
			return ErrProfileNotFound
		}
		if err := b.Delete([]byte(name)); err != nil {
			return err
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if string(meta.Get([]byte(keyDefaultProfile))) == name {
			return meta.Delete([]byte(keyDefaultProfile))
		}
		return nil
	})
}

func (s *bboltStore) ListProfiles() ([]Profile, error) {
	result := []Profile{}
	err := s.db.View(func(tx *bolt.Tx) error {
		def := string(tx.Bucket([]byte(bucketMeta)).Get([]byte(keyDefaultProfile)))
		// bbolt iterates keys in byte order, so the result is sorted by name.
		return tx.Bucket([]byte(bucketProfiles)).ForEach(func(k, v []byte) error {
			var rec Profile
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal Profile %s: %w", k, err)
			}
			rec.Default = string(k) == def
			result = append(result, rec)
			return nil
		})
	})
	return result, err
}

func (s *bboltStore) SetDefaultProfile(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketProfiles)).Get([]byte(name)) == nil {
			return ErrProfileNotFound
		}
		return tx.Bucket([]byte(bucketMeta)).Put([]byte(keyDefaultProfile), []byte(name))
	})
}

func (s *bboltStore) DefaultProfile() (*Profile, error) {
	var name string
	if err := s.db.View(func(tx *bolt.Tx) error {
		name = string(tx.Bucket([]byte(bucketMeta)).Get([]byte(keyDefaultProfile)))
		return nil
	}); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}
	return s.GetProfile(name)
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
