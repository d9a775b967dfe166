// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

// Package identity implements the PEM-encoded certificate/private-key
// credential pair issued by a successful registration response.
package identity

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
)

// Credential holds the parsed certificate and private key issued by the
// registration service. The zero value represents an unregistered device.
type Credential struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// IsValid reports whether both halves of the pair are present and the
// public key embedded in the certificate matches the private key.
func (c Credential) IsValid() bool {
	if c.Certificate == nil || c.PrivateKey == nil {
		return false
	}
	pub, ok := c.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false
	}
	signer, ok := c.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return false
	}
	return pub.Equal(&signer.PublicKey)
}

// Public returns the certificate's public key.
func (c Credential) Public() crypto.PublicKey {
	if c.Certificate == nil {
		return nil
	}
	return c.Certificate.PublicKey
}

// Sign signs digest with the credential's private key.
func (c Credential) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if c.PrivateKey == nil {
		return nil, fmt.Errorf("identity: no private key loaded")
	}
	return c.PrivateKey.Sign(rand, digest, opts)
}

// ParseCertificate decodes a single PEM-encoded X.509 certificate, as
// received in a register response's <certificate> element.
func ParseCertificate(pemText string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("identity: no PEM certificate block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parsing certificate: %w", err)
	}
	return cert, nil
}

// ParsePrivateKey decodes a single PEM-encoded RSA private key, accepting
// both PKCS1 ("RSA PRIVATE KEY") and PKCS8 ("PRIVATE KEY") encodings, as
// received in a register response's <privateKey> element.
func ParsePrivateKey(pemText string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("identity: no PEM key block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("identity: parsing PKCS1 private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("identity: parsing PKCS8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("identity: PKCS8 key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("identity: unsupported PEM block type %q", block.Type)
	}
}

// EncodeCertificate re-encodes a certificate to PEM text for storage in
// UserState.certificate.
func EncodeCertificate(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// EncodePrivateKey re-encodes an RSA private key to PKCS8 PEM text for
// storage in UserState.privateKey.
func EncodePrivateKey(key crypto.Signer) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("identity: marshaling private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// Load parses the PEM-encoded certificate and private key text recovered
// from UserState into a Credential.
func Load(certPEM, keyPEM string) (Credential, error) {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return Credential{}, err
	}
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Certificate: cert, PrivateKey: key}, nil
}
