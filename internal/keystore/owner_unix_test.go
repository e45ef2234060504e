//go:build unix

package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileStore_RejectsForeignOwner(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("changing ownership requires root")
	}
	root := filepath.Join(t.TempDir(), "foreign")
	require.NoError(t, os.Mkdir(root, 0o700))
	require.NoError(t, os.Chown(root, 65534, 65534))

	_, err := NewFileStore(root)
	assert.ErrorIs(t, err, ErrInsecureDirectory)
	assert.Contains(t, err.Error(), "uid 65534")
}
