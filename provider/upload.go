package provider

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MediaType guesses the content type of an upload from its extension.
// Unknown extensions fall back to application/octet-stream.
func MediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// ReadUpload reads a user-referenced upload from under root. The name is
// confined to root: it is cleaned first and any path escaping root is
// rejected, so history replayed from untrusted storage cannot read arbitrary
// files.
func ReadUpload(root, name string) ([]byte, error) {
	cleaned := filepath.Clean("/" + name)
	full := filepath.Join(root, cleaned)
	if rel, err := filepath.Rel(root, full); err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("upload path %q escapes upload root", name)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read upload %q: %w", name, err)
	}
	return data, nil
}

// Base64Upload reads an upload and returns its base64 payload together with
// the guessed media type, in the shape vendor APIs expect inline content.
func Base64Upload(root, name string) (string, string, error) {
	data, err := ReadUpload(root, name)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(data), MediaType(name), nil
}
