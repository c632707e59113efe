package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	// idVersion prefixes the digest so the encoding can change later.
	idVersion = 0x01
	idLen     = 1 + blake2b.Size256

	pemTypePrivateKey = "PRIVATE KEY"
)

var (
	ErrInvalidPeerID  = errors.New("identity: invalid peer id")
	ErrUnsupportedKey = errors.New("identity: unsupported key type")
)

// PeerID identifies a peer on the overlay. It is the base58 encoding of a
// version byte followed by the BLAKE2b-256 digest of the peer's Ed25519
// public key. The zero value is the empty id.
type PeerID string

// IDFromPublicKey derives the PeerID for pub.
func IDFromPublicKey(pub ed25519.PublicKey) PeerID {
	sum := blake2b.Sum256(pub)
	buf := make([]byte, 0, idLen)
	buf = append(buf, idVersion)
	buf = append(buf, sum[:]...)
	return PeerID(base58.Encode(buf))
}

// ParsePeerID validates s and returns it as a PeerID.
func ParsePeerID(s string) (PeerID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPeerID)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if len(raw) != idLen || raw[0] != idVersion {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeerID, s)
	}
	return PeerID(s), nil
}

func (id PeerID) String() string {
	return string(id)
}

// ShortString returns the last six characters, for log lines.
func (id PeerID) ShortString() string {
	if len(id) <= 6 {
		return string(id)
	}
	return "*" + string(id[len(id)-6:])
}

// KeyPair holds an Ed25519 signing key and the PeerID derived from it.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	id      PeerID
}

// Generate creates a new random key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newKeyPair(priv, pub), nil
}

func newKeyPair(priv ed25519.PrivateKey, pub ed25519.PublicKey) *KeyPair {
	return &KeyPair{Public: pub, Private: priv, id: IDFromPublicKey(pub)}
}

// ID returns the PeerID of the key pair.
func (k *KeyPair) ID() PeerID {
	return k.id
}

// Load reads a PEM encoded PKCS#8 Ed25519 private key from path.
func Load(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePrivateKey {
		return nil, fmt.Errorf("identity: %s: no %q PEM block", path, pemTypePrivateKey)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: %s: %w", path, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	return newKeyPair(priv, priv.Public().(ed25519.PublicKey)), nil
}

// LoadOrGenerate loads the key at path, or generates and saves a new one when
// the file does not exist. An empty path yields an ephemeral key.
func LoadOrGenerate(path string) (*KeyPair, error) {
	if path == "" {
		return Generate()
	}
	k, err := Load(path)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	k, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := k.Save(path); err != nil {
		return nil, err
	}
	return k, nil
}

// Save writes the private key to path as PEM, readable by the owner only.
func (k *KeyPair) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	data := pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der})
	return os.WriteFile(path, data, 0o600)
}
