package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerID_RoundTrip(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	id, err := ParsePeerID(k.ID().String())
	require.NoError(t, err)
	assert.Equal(t, k.ID(), id)
	assert.Equal(t, IDFromPublicKey(k.Public), id)
}

func TestPeerID_Distinct(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestParsePeerID_Invalid(t *testing.T) {
	for _, s := range []string{"", "not-base58-0OIl", "abc", "111111111111111111111111111111111111"} {
		_, err := ParsePeerID(s)
		assert.ErrorIs(t, err, ErrInvalidPeerID, "input %q", s)
	}
}

func TestPeerID_ShortString(t *testing.T) {
	assert.Equal(t, "abc", PeerID("abc").ShortString())
	assert.Equal(t, "*456789", PeerID("0123456789").ShortString())
}

func TestLoadOrGenerate_PersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "relay.pem")

	first, err := LoadOrGenerate(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
}

func TestLoadOrGenerate_Ephemeral(t *testing.T) {
	k, err := LoadOrGenerate("")
	require.NoError(t, err)
	assert.NotEmpty(t, k.ID())
}

func TestLoad_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestTLSCertificate_PeerID(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	cert, err := k.TLSCertificate()
	require.NoError(t, err)

	id, err := PeerIDFromCertificate(cert.Leaf)
	require.NoError(t, err)
	assert.Equal(t, k.ID(), id)

	id, err = PeerIDFromRawCerts(cert.Certificate)
	require.NoError(t, err)
	assert.Equal(t, k.ID(), id)
}

func TestPeerIDFromCertificate_RejectsECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	_, err = PeerIDFromRawCerts([][]byte{der})
	assert.ErrorIs(t, err, ErrUnsupportedKey)
}

func TestPeerIDFromCertificate_RejectsForeignSignature(t *testing.T) {
	claimed, err := Generate()
	require.NoError(t, err)
	signer, err := Generate()
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(7),
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, claimed.Public, signer.Private)
	require.NoError(t, err)

	_, err = PeerIDFromRawCerts([][]byte{der})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupportedKey)
}

func TestPeerIDFromRawCerts_Empty(t *testing.T) {
	_, err := PeerIDFromRawCerts(nil)
	assert.Error(t, err)
}
