package gcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestObjectName(t *testing.T) {
	assert.Equal(t, "default/usr.u1.op.doc1/a.txt", ObjectName("default", "usr.u1.op.doc1", "a.txt"))
}

func TestNewContentStorage_RequiresBucket(t *testing.T) {
	_, err := NewContentStorage(context.Background(), "", option.WithoutAuthentication())
	assert.Error(t, err)
}

func TestNewContentStorage_Unauthenticated(t *testing.T) {
	s, err := NewContentStorage(context.Background(), "bucket", option.WithoutAuthentication())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
