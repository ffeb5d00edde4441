package dataset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsupportedCloneReturnsError(t *testing.T) {
	var m Manager = Unsupported{}
	_, err := m.Clone(context.Background(), "pool/origin@snap", "pool/clone", 1024)
	require.Error(t, err)
	assert.Equal(t, "no ZFS dataset manager configured", err.Error())
}

func TestUnsupportedDestroyReturnsError(t *testing.T) {
	var m Manager = Unsupported{}
	err := m.Destroy(context.Background(), "pool/clone")
	require.Error(t, err)
	assert.Equal(t, "no ZFS dataset manager configured", err.Error())
}
