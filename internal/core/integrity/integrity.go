package integrity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const maxBaseNameRunes = 50

// HashBytes returns the hex sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r through sha256 and returns the hex digest and byte count.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile streams the file at path through sha256.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sum, _, err := HashReader(f)
	return sum, err
}

// SanitizeBaseName keeps [A-Za-z0-9._-], folds every other run into one underscore
// and caps the result at 50 runes.
func SanitizeBaseName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_':
			if !lastUnderscore {
				b.WriteRune(r)
			}
			lastUnderscore = true
		default:
			if !lastUnderscore {
				b.WriteRune('_')
			}
			lastUnderscore = true
		}
	}

	out := strings.Trim(b.String(), "._")
	if utf8.RuneCountInString(out) > maxBaseNameRunes {
		out = string([]rune(out)[:maxBaseNameRunes])
	}
	if out == "" {
		out = "document"
	}
	return out
}

// StorageName builds {contractId}-{documentType}-{timestamp}-{random}-{sanitizedBaseName}.{ext}
// for a finalized upload.
func StorageName(contractID, documentType, originalName string, now time.Time) (string, error) {
	random, err := randomHex(4)
	if err != nil {
		return "", err
	}

	base := filepath.Base(originalName)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(base), "."))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if ext == "" {
		ext = "bin"
	}

	return fmt.Sprintf("%s-%s-%d-%s-%s.%s",
		SanitizeBaseName(contractID),
		strings.ToUpper(SanitizeBaseName(documentType)),
		now.UnixMilli(),
		random,
		SanitizeBaseName(base),
		SanitizeBaseName(ext),
	), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
