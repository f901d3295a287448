package provider

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadUpload(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "pic.png"), []byte("fake png"), 0o600))

	data, err := ReadUpload(root, "pic.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("fake png"), data)

	_, err = ReadUpload(root, "missing.png")
	assert.Error(t, err)
}

func TestReadUpload_RejectsTraversal(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "uploads")
	require.NoError(t, os.Mkdir(root, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret"), []byte("outside"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("fine"), 0o600))

	for _, name := range []string{"../secret", "../../secret", "a/../../secret"} {
		data, err := ReadUpload(root, name)
		assert.Error(t, err, "name %q must not escape the root", name)
		assert.NotEqual(t, []byte("outside"), data)
	}

	// cleaned-but-contained names still work
	data, err := ReadUpload(root, "sub/../ok.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("fine"), data)
}

func TestBase64Upload(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "doc.pdf"), []byte{0x25, 0x50, 0x44, 0x46}, 0o600))

	payload, mediaType, err := Base64Upload(root, "doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x25, 0x50, 0x44, 0x46}), payload)
	assert.Equal(t, "application/pdf", mediaType)
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "image/jpeg", MediaType("a/b/photo.JPG"))
	assert.Equal(t, "image/webp", MediaType("x.webp"))
	assert.Equal(t, "application/octet-stream", MediaType("x.bin"))
}
