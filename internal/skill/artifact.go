package skill

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Checksum returns the hex sha256 of a code artifact.
func Checksum(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// ValidName accepts a skill name that is a single clean path element:
// no separators, not "." or "..". Names are used as directory names
// under the artifact root, so anything else could address a path
// outside it.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return name == filepath.Clean(name)
}

// WriteArtifact stores an approved skill's executable under
// root/<name>/<version>/run and returns its path and checksum.
func WriteArtifact(root, name string, version int, source []byte) (string, string, error) {
	if !ValidName(name) {
		return "", "", fmt.Errorf("skill name %q is not a valid path element", name)
	}
	dir := filepath.Join(root, name, strconv.Itoa(version))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, "run")
	if err := os.WriteFile(path, source, 0o755); err != nil {
		return "", "", fmt.Errorf("write artifact: %w", err)
	}
	return path, Checksum(source), nil
}

// VerifyArtifact checks a stored artifact against its recorded
// checksum before execution.
func VerifyArtifact(path, checksum string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", path, err)
	}
	if got := Checksum(data); got != checksum {
		return fmt.Errorf("artifact %s checksum mismatch: got %s, recorded %s", path, got, checksum)
	}
	return nil
}
