package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// KeyFileName is the password-protected identity file at the archive root.
const KeyFileName = "vault.key.age"

// DefaultScryptWorkFactor is the scrypt log2(N) used to wrap the key file.
const DefaultScryptWorkFactor = 18

// loadOrCreateIdentity returns the archive's X25519 identity, unwrapping
// the key file with password. The key file is created on first use.
func loadOrCreateIdentity(root, password string, workFactor int) (*age.X25519Identity, error) {
	keyPath := filepath.Join(root, KeyFileName)

	data, err := os.ReadFile(keyPath)
	if err == nil {
		return unwrapIdentity(data, password, workFactor)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate archive identity: %w", err)
	}
	wrapped, err := wrapIdentity(identity, password, workFactor)
	if err != nil {
		return nil, err
	}
	if err := writeKeyFileAtomic(keyPath, wrapped); err != nil {
		return nil, err
	}
	plog.Notice("Created archive key file", "path", keyPath)
	return identity, nil
}

func wrapIdentity(identity *age.X25519Identity, password string, workFactor int) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(password)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key-file recipient: %w", err)
	}
	recipient.SetWorkFactor(workFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key file: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return nil, fmt.Errorf("failed to encrypt key file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to encrypt key file: %w", err)
	}
	return buf.Bytes(), nil
}

func unwrapIdentity(data []byte, password string, workFactor int) (*age.X25519Identity, error) {
	scrypt, err := age.NewScryptIdentity(password)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key-file identity: %w", err)
	}
	scrypt.SetMaxWorkFactor(max(workFactor, DefaultScryptWorkFactor))

	r, err := age.Decrypt(bytes.NewReader(data), scrypt)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, fmt.Errorf("%w: %v", ErrWrongPassword, err)
		}
		return nil, fmt.Errorf("failed to decrypt key file: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key file: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(plain)))
	if err != nil {
		return nil, fmt.Errorf("key file does not contain a valid identity: %w", err)
	}
	return identity, nil
}

func writeKeyFileAtomic(keyPath string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(keyPath), KeyFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Chmod(util.PrivateFilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict key file permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), keyPath); err != nil {
		return fmt.Errorf("failed to install key file: %w", err)
	}
	return nil
}
