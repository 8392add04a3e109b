package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowList(t *testing.T) {
	l := NewAllowList(" .JPG", "png", "", "Pdf")

	assert.True(t, l.IsAllowedExtension("jpg"))
	assert.True(t, l.IsAllowedExtension("JPG"))
	assert.True(t, l.IsAllowedExtension("pdf"))
	assert.False(t, l.IsAllowedExtension(""))
	assert.False(t, l.IsAllowedExtension("exe"))
}

func TestNormalizeMime(t *testing.T) {
	assert.Equal(t, "text/plain", NormalizeMime("Text/Plain; charset=UTF-8"))
	assert.Equal(t, "image/jpeg", NormalizeMime(" image/jpeg "))
	assert.Equal(t, "", NormalizeMime("application/octet-stream"))
	assert.Equal(t, "", NormalizeMime(""))
	assert.Equal(t, "image/png", NormalizeMime("image/png;;"))
}

func TestDetectMime(t *testing.T) {
	dir := t.TempDir()

	gif := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(gif, []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;"), 0o644))
	mt, err := DetectMime(gif)
	require.NoError(t, err)
	assert.Equal(t, "image/gif", mt)

	txt := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(txt, []byte("plain words"), 0o644))
	mt, err = DetectMime(txt)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", mt)

	_, err = DetectMime(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
