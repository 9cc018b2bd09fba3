// Package secrets encrypts credentials at rest with age.
//
// Encrypted values travel through config files as ENC[age:<base64>] blobs
// sealed to the X25519 key stored under $DRUDGE_PATH.
package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/dohr-michael/drudge/internal/config"
)

const (
	blobPrefix = "ENC[age:"
	blobSuffix = "]"
)

// KeyPath returns the default key file location, $DRUDGE_PATH/.age-key.
func KeyPath() string {
	return filepath.Join(config.DrudgePath(), ".age-key")
}

// GenerateIdentity writes a fresh X25519 key pair to path, mode 0600.
// An existing key file is left untouched.
func GenerateIdentity(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	body := fmt.Sprintf("# created by drudge\n# public key: %s\n%s\n", id.Recipient(), id)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return fmt.Errorf("write age key: %w", err)
	}
	return nil
}

// LoadIdentity reads the X25519 private key stored at path.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age key: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", path)
}

// IsEncrypted reports whether s looks like an ENC[age:...] blob.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, blobPrefix) && strings.HasSuffix(s, blobSuffix)
}

// Encrypt seals plaintext to recipient and returns an ENC[age:...] blob.
func Encrypt(plaintext string, recipient *age.X25519Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	return blobPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + blobSuffix, nil
}

// Decrypt opens an ENC[age:...] blob with identity.
func Decrypt(blob string, identity *age.X25519Identity) (string, error) {
	if !IsEncrypted(blob) {
		return "", fmt.Errorf("not an encrypted blob")
	}
	raw, err := base64.StdEncoding.DecodeString(blob[len(blobPrefix) : len(blob)-len(blobSuffix)])
	if err != nil {
		return "", fmt.Errorf("decode blob: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	return string(plain), nil
}

// Resolve turns a configured credential into its usable value. It accepts
// plain text, ${VAR} environment references, and ENC[age:...] blobs
// decrypted with the key at keyPath.
func Resolve(value, keyPath string) (string, error) {
	switch {
	case value == "":
		return "", nil
	case IsEncrypted(value):
		id, err := LoadIdentity(keyPath)
		if err != nil {
			return "", err
		}
		return Decrypt(value, id)
	case strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}"):
		name := value[2 : len(value)-1]
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return v, nil
	default:
		return value, nil
	}
}
