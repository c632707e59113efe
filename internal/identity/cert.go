package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

const certValidity = 365 * 24 * time.Hour

// TLSCertificate returns a self-signed certificate over the key pair. Peers
// authenticate each other by the key in the certificate, not by a CA chain.
func (k *KeyPair) TLSCertificate() (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: k.id.String()},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, k.Public, k.Private)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  k.Private,
		Leaf:        leaf,
	}, nil
}

// PeerIDFromCertificate derives the PeerID of the key in cert.
func PeerIDFromCertificate(cert *x509.Certificate) (PeerID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, cert.PublicKey)
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return "", fmt.Errorf("identity: certificate not self-signed: %w", err)
	}
	return IDFromPublicKey(pub), nil
}

// PeerIDFromRawCerts is PeerIDFromCertificate for the leaf of a raw chain as
// handed to tls.Config.VerifyPeerCertificate.
func PeerIDFromRawCerts(rawCerts [][]byte) (PeerID, error) {
	if len(rawCerts) == 0 {
		return "", fmt.Errorf("identity: no certificate presented")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	return PeerIDFromCertificate(cert)
}
