package hostkey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerateProducesParsableKey(t *testing.T) {
	data, err := Generate()
	require.NoError(t, err)

	signer, err := ssh.ParsePrivateKey(data)
	require.NoError(t, err)
	require.NotNil(t, signer.PublicKey())
}

func TestFingerprintIsColonSeparatedHex(t *testing.T) {
	data, err := Generate()
	require.NoError(t, err)
	signer, err := ssh.ParsePrivateKey(data)
	require.NoError(t, err)

	fp := Fingerprint(signer.PublicKey())
	require.Len(t, fp, 16*3-1) // 16 bytes of MD5, "xx:" per byte minus trailing colon
	require.NotContains(t, fp, "::")
}

func TestLoadOrGenerateCreatesFileWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.key")

	signer1, err := LoadOrGenerate(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second call against the same path must load the persisted key
	// rather than generating a new one.
	signer2, err := LoadOrGenerate(path)
	require.NoError(t, err)
	require.Equal(t, signer1.PublicKey().Marshal(), signer2.PublicKey().Marshal())
}

func TestLoadOrGenerateRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadOrGenerate(path)
	require.Error(t, err)
}
