package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutAndRead(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	uri, err := s.PutObject(context.Background(), "datagetter/run-1/data_all.json", "application/json", strings.NewReader("[]"))
	require.NoError(t, err)
	assert.Equal(t, "memory://datagetter/run-1/data_all.json", uri)

	_, err = s.PutObject(context.Background(), "datagetter/run-1/data_valid.json", "application/json", strings.NewReader("[1]"))
	require.NoError(t, err)

	data, ok := s.Object("datagetter/run-1/data_all.json")
	require.True(t, ok)
	assert.Equal(t, "[]", string(data))
	assert.Equal(t, []string{"datagetter/run-1/data_all.json", "datagetter/run-1/data_valid.json"}, s.Paths())

	_, ok = s.Object("missing")
	assert.False(t, ok)
}

func TestBlobStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "", strings.NewReader(""))
	require.Error(t, err)
}
