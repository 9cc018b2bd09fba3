package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
)

func TestGenerateIdentity_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".age-key")

	if err := GenerateIdentity(path); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}
}

func TestGenerateIdentity_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".age-key")

	if err := GenerateIdentity(path); err != nil {
		t.Fatalf("first call: %v", err)
	}
	data1, _ := os.ReadFile(path)

	if err := GenerateIdentity(path); err != nil {
		t.Fatalf("second call: %v", err)
	}
	data2, _ := os.ReadFile(path)

	if string(data1) != string(data2) {
		t.Error("idempotency broken: file changed on second call")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	plaintext := "sk-api-secret-token-abc123"
	encrypted, err := Encrypt(plaintext, identity.Recipient())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if !IsEncrypted(encrypted) {
		t.Errorf("IsEncrypted(%q) = false, want true", encrypted)
	}

	decrypted, err := Decrypt(encrypted, identity)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestDecrypt_RejectsPlainText(t *testing.T) {
	identity, _ := age.GenerateX25519Identity()
	if _, err := Decrypt("not-encrypted", identity); err == nil {
		t.Error("expected error for non-encrypted input")
	}
}

func TestIsEncrypted(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"ENC[age:abcd]", true},
		{"ENC[age:]", true},
		{"plain-value", false},
		{"ENC[age:unterminated", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := IsEncrypted(tc.input); got != tc.want {
			t.Errorf("IsEncrypted(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestResolve(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), ".age-key")
	if err := GenerateIdentity(keyPath); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	identity, err := LoadIdentity(keyPath)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}

	encrypted, err := Encrypt("decrypted-secret", identity.Recipient())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	t.Setenv("DRUDGE_TEST_TOKEN", "from-env")

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"empty", "", ""},
		{"plain", "plain-token", "plain-token"},
		{"env reference", "${DRUDGE_TEST_TOKEN}", "from-env"},
		{"encrypted", encrypted, "decrypted-secret"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resolve(tc.value, keyPath)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := Resolve("${DRUDGE_TEST_MISSING}", keyPath); err == nil {
		t.Error("unset env reference should fail")
	}
}
