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


// Package gcs implements storage.ContentStorage on Google Cloud Storage.
//
// Objects are named "{index}/{containerID}/{fileName}" within a single bucket.
package gcs

import (
	"context"
	"errors"
	"io"

	gcstorage "cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/poiesic/docmem/storage"
)

// ContentStorage implements storage.ContentStorage using a Cloud Storage bucket.
type ContentStorage struct {
	bucketName string
	client     *gcstorage.Client
}

var _ storage.ContentStorage = (*ContentStorage)(nil)

// NewContentStorage creates a new Cloud Storage backed content store.
// Credentials are resolved by the client library unless opts override them.
func NewContentStorage(ctx context.Context, bucketName string, opts ...option.ClientOption) (*ContentStorage, error) {
	if bucketName == "" {
		return nil, goerr.New("bucket name is required")
	}
	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &ContentStorage{
		bucketName: bucketName,
		client:     client,
	}, nil
}

// Close closes the underlying client.
func (s *ContentStorage) Close() error {
	return s.client.Close()
}

// ObjectName returns the object a file is stored in.
func ObjectName(index, containerID, fileName string) string {
	return index + "/" + containerID + "/" + fileName
}

func (s *ContentStorage) object(index, containerID, fileName string) *gcstorage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(ObjectName(index, containerID, fileName))
}

// WriteFile creates or replaces a file.
func (s *ContentStorage) WriteFile(ctx context.Context, index, containerID, fileName string, data []byte) error {
	if err := storage.ValidateKey(index, containerID, fileName); err != nil {
		return err
	}
	key := ObjectName(index, containerID, fileName)
	writer := s.object(index, containerID, fileName).NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return goerr.Wrap(err, "failed to write object", goerr.V("key", key))
	}
	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to finalize object", goerr.V("key", key))
	}
	return nil
}

// ReadFile returns the content of a file.
func (s *ContentStorage) ReadFile(ctx context.Context, index, containerID, fileName string) ([]byte, error) {
	key := ObjectName(index, containerID, fileName)
	reader, err := s.object(index, containerID, fileName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return nil, goerr.Wrap(storage.ErrNotFound, "object does not exist", goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.V("key", key))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read object body", goerr.V("key", key))
	}
	return data, nil
}

// FileExists reports whether a file exists.
func (s *ContentStorage) FileExists(ctx context.Context, index, containerID, fileName string) (bool, error) {
	_, err := s.object(index, containerID, fileName).Attrs(ctx)
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, goerr.Wrap(err, "failed to stat object", goerr.V("key", ObjectName(index, containerID, fileName)))
	}
	return true, nil
}

// DeleteContainer removes every object under the container prefix.
func (s *ContentStorage) DeleteContainer(ctx context.Context, index, containerID string) error {
	bucket := s.client.Bucket(s.bucketName)
	it := bucket.Objects(ctx, &gcstorage.Query{Prefix: index + "/" + containerID + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return goerr.Wrap(err, "failed to list container", goerr.V("container", containerID))
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, gcstorage.ErrObjectNotExist) {
			return goerr.Wrap(err, "failed to delete object", goerr.V("key", attrs.Name))
		}
	}
}
