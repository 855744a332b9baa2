//go:build !yara
// +build !yara

package signature

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBackends(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "r.yar"), []byte(`rule r { strings: $a = "evil" condition: $a }`), 0o600))

	b, err := Load(BackendBuiltin, dir, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, b.RuleCount())
	m, err := b.ScanBytes(context.Background(), []byte("so evil"), 7)
	require.NoError(t, err)
	assert.Len(t, m, 1)

	_, err = Load(BackendLibyara, dir, 2)
	assert.ErrorIs(t, err, ErrLibyaraUnavailable)

	_, err = Load("clamav", dir, 2)
	assert.Error(t, err)
}
