// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package badger

import (
	"context"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/docmem/storage"
)

// ContentStorage implements storage.ContentStorage for BadgerDB.
// Files are stored as single values, which suits text documents and artifacts.
type ContentStorage struct {
	backend *Backend
}

var _ storage.ContentStorage = (*ContentStorage)(nil)

// NewContentStorage creates a new ContentStorage.
func NewContentStorage(backend *Backend) *ContentStorage {
	return &ContentStorage{
		backend: backend,
	}
}

// Close is a no-op; the backend is owned by the caller.
func (s *ContentStorage) Close() error {
	return nil
}

// WriteFile creates or replaces a file.
func (s *ContentStorage) WriteFile(ctx context.Context, index, containerID, fileName string, data []byte) error {
	if err := storage.ValidateKey(index, containerID, fileName); err != nil {
		return err
	}
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		return tx.Set(makeContentKey(index, containerID, fileName), slices.Clone(data))
	})
}

// ReadFile returns the content of a file.
func (s *ContentStorage) ReadFile(ctx context.Context, index, containerID, fileName string) ([]byte, error) {
	var data []byte
	err := s.backend.View(ctx, func(tx *badger.Txn) error {
		val, err := Get(tx, makeContentKey(index, containerID, fileName))
		if err != nil {
			return err
		}
		if val == nil {
			return storage.ErrNotFound
		}
		data = val
		return nil
	})
	return data, err
}

// FileExists reports whether a file exists.
func (s *ContentStorage) FileExists(ctx context.Context, index, containerID, fileName string) (bool, error) {
	var exists bool
	err := s.backend.View(ctx, func(tx *badger.Txn) error {
		_, err := tx.Get(makeContentKey(index, containerID, fileName))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// DeleteContainer removes every file of a container.
func (s *ContentStorage) DeleteContainer(ctx context.Context, index, containerID string) error {
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		return DeletePrefix(tx, makeContainerPrefix(index, containerID))
	})
}
