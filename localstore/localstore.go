// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the durable local state store for the client
// engine — the stand-in for browser localStorage. Each key is one JSON
// file in the store directory, written atomically (temp file + rename)
// so a crash mid-write never leaves a corrupt value.
//
// The engine persists three keys here: the activity log, the
// location-timestamp map, and the world-metadata cache. All values
// must round-trip through encoding/json.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Store is a directory of JSON-encoded values, one file per key.
// Store is not safe for concurrent use — the client engine is the
// single writer, matching the browser's single-threaded model.
type Store struct {
	dir string
}

// Open creates the store directory if needed and returns a Store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("localstore: creating %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Get decodes the value stored under key into v. Returns false with a
// nil error when the key has never been written.
func (s *Store) Get(key string, v any) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localstore: reading %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("localstore: decoding %s: %w", key, err)
	}
	return true, nil
}

// Put JSON-encodes v and stores it under key. The write is atomic:
// the value lands in a temp file first and is renamed into place.
func (s *Store) Put(key string, v any) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("localstore: encoding %s: %w", key, err)
	}
	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return fmt.Errorf("localstore: writing %s: %w", key, err)
	}
	if err := os.Rename(temp, path); err != nil {
		return fmt.Errorf("localstore: committing %s: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key. Deleting an absent key
// is not an error.
func (s *Store) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("localstore: deleting %s: %w", key, err)
	}
	return nil
}

// path maps a key to its backing file. Keys are fixed identifiers
// chosen by the engine; anything that could escape the store directory
// is rejected outright.
func (s *Store) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return "", fmt.Errorf("localstore: invalid key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}
