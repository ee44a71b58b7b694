package consent

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxProofSize = 4 * 1024 * 1024

var proofMimeTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".bmp":  "image/bmp",
}

// LoadProofDocument returns the mime type and base64 content of a signed proof.
func LoadProofDocument(path string) (string, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mime, ok := proofMimeTypes[ext]
	if !ok {
		return "", "", fmt.Errorf("unsupported proof document type %q", ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("stat proof document: %w", err)
	}
	if info.Size() > maxProofSize {
		return "", "", fmt.Errorf("proof document is %d bytes, limit is %d", info.Size(), maxProofSize)
	}

	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", "", fmt.Errorf("read proof document: %w", err)
	}
	return mime, base64.StdEncoding.EncodeToString(content), nil
}
