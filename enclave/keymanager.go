package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/veraison/go-cose"

	"github.com/cloudx-io/auctionpool/enclaveapi"
	"github.com/cloudx-io/auctionpool/validation"
)

// KeyManager holds the enclave's receipt signing key. The key is generated at start and
// never leaves the enclave.
type KeyManager struct {
	privateKey *ecdsa.PrivateKey // Keep private - sensitive!
	PublicKey  *ecdsa.PublicKey
	signer     cose.Signer
}

// NewKeyManager creates a new KeyManager with a fresh P-256 key pair
func NewKeyManager() (*KeyManager, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	signer, err := cose.NewSigner(validation.ReceiptAlgorithm, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create receipt signer: %w", err)
	}

	return &KeyManager{
		privateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		signer:     signer,
	}, nil
}

// Signer returns the COSE signer for window receipts.
func (km *KeyManager) Signer() cose.Signer {
	return km.signer
}

// PublicKeyDER returns the PKIX encoding of the public key.
func (km *KeyManager) PublicKeyDER() ([]byte, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(km.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return derBytes, nil
}

// PublicKeyPEM returns the public key in PEM format
func (km *KeyManager) PublicKeyPEM() (string, error) {
	derBytes, err := km.PublicKeyDER()
	if err != nil {
		return "", err
	}

	pemBlock := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: derBytes,
	}

	return string(pem.EncodeToMemory(pemBlock)), nil
}

// HandleSigningKeyRequest returns the receipt verification key. With an attester the key
// digest is attested so clients can tie it to the enclave image.
func HandleSigningKeyRequest(attester EnclaveAttester, keyManager *KeyManager) (*enclaveapi.Response, error) {
	publicKeyPEM, err := keyManager.PublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("failed to export public key: %w", err)
	}

	resp := &enclaveapi.Response{
		Type:       enclaveapi.RequestSigningKey,
		Success:    true,
		SigningKey: publicKeyPEM,
	}

	if attester != nil {
		der, err := keyManager.PublicKeyDER()
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256(der)
		attestation, err := GenerateAttestation(attester, digest[:])
		if err != nil {
			return nil, fmt.Errorf("failed to generate key attestation: %w", err)
		}
		resp.KeyAttestation = attestation.EncodeBase64()
	}

	return resp, nil
}
