package transport

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/medigo/dicomul/errors"
)

// CertValidationPolicy selects how the peer's certificate is validated.
type CertValidationPolicy int

const (
	// CertValidationSystemTrust uses the platform's default root CA pool.
	CertValidationSystemTrust CertValidationPolicy = iota
	// CertValidationPinned trusts only PinnedCertificates (certificate pinning).
	CertValidationPinned
	// CertValidationCustomRoots trusts only CustomRoots.
	CertValidationCustomRoots
	// CertValidationDisabled skips verification entirely. Must be a
	// deliberate opt-in (spec §9): never the zero value.
	CertValidationDisabled
)

// ClientIdentity is an optional client certificate/key pair for mTLS.
type ClientIdentity struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Config describes the TLS wrapping applied to a Framed Transport's
// underlying TCP stream, negotiated before any PDU is sent.
type Config struct {
	MinVersion            uint16 // tls.VersionTLS12, tls.VersionTLS13, ...
	CertValidation        CertValidationPolicy
	PinnedCertificates    [][]byte // DER-encoded, used when CertValidation == CertValidationPinned
	CustomRoots           *x509.CertPool
	ClientIdentity        *ClientIdentity
	ServerName            string
}

// ClientTLSConfig builds a *tls.Config for the SCU side. Disabled
// validation is only honored when explicitly selected, never by omission.
func (c Config) ClientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: c.MinVersion,
		ServerName: c.ServerName,
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	switch c.CertValidation {
	case CertValidationSystemTrust:
		// leave RootCAs nil: platform default pool
	case CertValidationCustomRoots:
		if c.CustomRoots == nil {
			return nil, errors.NewConfigurationError("invalid_tls_config", "custom_roots validation requires CustomRoots")
		}
		cfg.RootCAs = c.CustomRoots
	case CertValidationPinned:
		if len(c.PinnedCertificates) == 0 {
			return nil, errors.NewConfigurationError("invalid_tls_config", "pinned validation requires PinnedCertificates")
		}
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = pinnedCertVerifier(c.PinnedCertificates)
	case CertValidationDisabled:
		cfg.InsecureSkipVerify = true
	default:
		return nil, errors.NewConfigurationError("invalid_tls_config", "unknown certificate validation policy")
	}

	if c.ClientIdentity != nil {
		cert, err := tls.X509KeyPair(c.ClientIdentity.CertPEM, c.ClientIdentity.KeyPEM)
		if err != nil {
			return nil, errors.NewConfigurationError("invalid_client_identity", err.Error())
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerTLSConfig builds a *tls.Config for the SCP side; ClientIdentity, if
// present, is required from connecting clients (mutual TLS).
func (c Config) ServerTLSConfig(serverCert tls.Certificate) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:   c.MinVersion,
		Certificates: []tls.Certificate{serverCert},
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if c.ClientIdentity != nil {
		if c.CustomRoots == nil {
			return nil, errors.NewConfigurationError("invalid_tls_config", "mTLS requires CustomRoots to validate client certificates")
		}
		cfg.ClientCAs = c.CustomRoots
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func pinnedCertVerifier(pinned [][]byte) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			for _, pin := range pinned {
				if string(raw) == string(pin) {
					return nil
				}
			}
		}
		return errors.NewConnectionError("tls_pin_mismatch", errNoPinMatch)
	}
}

var errNoPinMatch = pinMismatchError{}

type pinMismatchError struct{}

func (pinMismatchError) Error() string { return "dicomul: peer certificate matched no pinned certificate" }
