// Package credstore keeps per-session transport credentials in a local bbolt file.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCredentials = []byte("credentials")

// Credentials are whatever a transport needs to resume an authenticated session
type Credentials struct {
	SessionID string            `json:"session_id"`
	Token     string            `json:"token,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is a bbolt-backed credential store
type Store struct {
	db *bolt.DB
}

// Open opens or creates the credential file at path
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the credentials of a session, or nil if none are stored
func (s *Store) Get(sessionID string) (*Credentials, error) {
	var creds *Credentials
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get([]byte(sessionID))
		if data == nil {
			return nil
		}
		creds = &Credentials{}
		return json.Unmarshal(data, creds)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return creds, nil
}

// Put stores credentials, replacing any previous entry
func (s *Store) Put(creds *Credentials) error {
	if creds.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	creds.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put([]byte(creds.SessionID), data)
	})
}

// Delete removes the credentials of a session
func (s *Store) Delete(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(sessionID))
	})
}

// List returns the session IDs that have stored credentials
func (s *Store) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	sort.Strings(ids)
	return ids, err
}

// Close closes the underlying file
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt handle so other components can keep their own buckets in the same file
func (s *Store) DB() *bolt.DB {
	return s.db
}
