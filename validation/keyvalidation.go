package validation

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/cloudx-io/auctionpool/enclaveapi"
)

// ParseSigningKey decodes the PEM receipt signing key the enclave publishes.
func ParseSigningKey(publicKeyPEM string) (*ecdsa.PublicKey, []byte, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, nil, fmt.Errorf("signing key is not a PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse signing key: %w", err)
	}
	ecdsaKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("signing key is not ECDSA")
	}
	return ecdsaKey, block.Bytes, nil
}

// ValidateKeyAttestation validates that attestation binds the PEM signing key: its user
// data must be the SHA-256 of the key's DER encoding.
//
// The returned error is reserved for input that cannot be validated at all; call
// result.IsValid() for the verdict.
func ValidateKeyAttestation(attestation enclaveapi.SignedDocumentBase64, publicKeyPEM string, opts AttestationOptions) (*KeyValidationResult, error) {
	_, der, err := ParseSigningKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	doc, err := attestation.Decode()
	if err != nil {
		return nil, err
	}

	base, userData, err := validateCommonAttestation(doc, opts)
	if err != nil {
		return nil, err
	}

	result := &KeyValidationResult{BaseValidationResult: *base}
	digest := sha256.Sum256(der)
	switch {
	case len(userData) == 0:
		result.ValidationDetails = append(result.ValidationDetails, "Public key missing from attestation")
	case bytes.Equal(userData, digest[:]):
		result.PublicKeyMatch = true
		result.ValidationDetails = append(result.ValidationDetails, "Public key matches attestation")
	default:
		result.ValidationDetails = append(result.ValidationDetails, "Public key mismatch: provided key does not match attested key")
	}
	return result, nil
}
