package identity

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// TLSCertificate loads the client certificate and private key.
//
// Encrypted PEM private keys (Proc-Type: 4,ENCRYPTED) are decrypted with
// PassPhrase. Unencrypted keys ignore PassPhrase.
//
// Returns:
//   - tls.Certificate: Ready for tls.Config.Certificates
//   - error: ErrCertificate wrapping the underlying failure
func (c Certificate) TLSCertificate() (tls.Certificate, error) {
	certPEM, err := os.ReadFile(c.CertFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: reading certificate: %w", ErrCertificate, err)
	}

	keyPEM, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: reading private key: %w", ErrCertificate, err)
	}

	keyPEM, err = decryptKey(keyPEM, c.PassPhrase)
	if err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %w", ErrCertificate, err)
	}
	return cert, nil
}

// decryptKey returns an unencrypted PEM private key.
func decryptKey(keyPEM []byte, passPhrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", ErrCertificate)
	}

	//nolint:staticcheck // Legacy RFC 1423 encryption is what OpenSSL-produced device keys use.
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}

	//nolint:staticcheck // See above.
	der, err := x509.DecryptPEMBlock(block, []byte(passPhrase))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting private key: %w", ErrCertificate, err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
