package pathdedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// Algorithm is the 256-bit digest used as the content address.
type Algorithm int

const (
	SHA256 Algorithm = iota
	BLAKE3
)

var algorithmToString = map[Algorithm]string{
	SHA256: "sha256",
	BLAKE3: "blake3",
}

var stringToAlgorithm map[string]Algorithm

func init() {
	stringToAlgorithm = util.InvertMap(algorithmToString)
}

func (a Algorithm) String() string {
	if str, ok := algorithmToString[a]; ok {
		return str
	}
	return fmt.Sprintf("unknown_algorithm(%d)", int(a))
}

// ParseAlgorithm parses a digest name. An empty string selects sha256.
func ParseAlgorithm(s string) (Algorithm, error) {
	if s == "" {
		return SHA256, nil
	}
	if a, ok := stringToAlgorithm[s]; ok {
		return a, nil
	}
	return 0, fmt.Errorf("invalid checksum algorithm: %q. Must be 'sha256' or 'blake3'", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(text []byte) error {
	alg, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = alg
	return nil
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Sum returns the hex digest of data.
func (a Algorithm) Sum(data []byte) string {
	h := a.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// hashFile streams the file at path through the digest using buf as the chunk buffer.
func hashFile(alg Algorithm, path string, buf []byte) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := alg.New()
	// Hide WriterTo so the copy goes through buf.
	n, err := io.CopyBuffer(h, struct{ io.Reader }{f}, buf)
	if err != nil {
		return "", n, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
