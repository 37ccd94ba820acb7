package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/echa/log"
	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/auctionpool/enclaveapi"
	"github.com/cloudx-io/auctionpool/mempool"
	"github.com/cloudx-io/auctionpool/validation"
)

// EnclaveAttester interface for dependency injection and testing
type EnclaveAttester interface {
	Attest(options enclave.AttestationOptions) ([]byte, error)
}

// generateSecureRandomBytes generates cryptographically secure random bytes.
// Inside the enclave crypto/rand draws from the NSM-seeded kernel pool.
func generateSecureRandomBytes(length int) ([]byte, error) {
	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("entropy generation failed: %w", err)
	}
	return randomBytes, nil
}

func generateNonce() (string, error) {
	randomBytes, err := generateSecureRandomBytes(32) // 256 bits of entropy
	if err != nil {
		return "", fmt.Errorf("failed to generate secure nonce - %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}

// GenerateAttestation requests a nitro attestation carrying userData.
func GenerateAttestation(attester EnclaveAttester, userData []byte) (enclaveapi.SignedDocument, error) {
	if attester == nil {
		return nil, fmt.Errorf("enclave attester is nil")
	}

	randomNonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate attestation nonce: %w", err)
	}

	attestationCBOR, err := attester.Attest(enclave.AttestationOptions{
		UserData: userData,
		Nonce:    []byte(randomNonce),
	})
	if err != nil {
		log.Errorf("NSM attestation failed: %v", err)
		return nil, fmt.Errorf("NSM attestation failed: %w", err)
	}

	log.Debugf("NSM attestation generated: %d bytes", len(attestationCBOR))
	return enclaveapi.SignedDocument(attestationCBOR), nil
}

// GenerateWindowProofs signs the receipt of a sealed window and, when attester is set,
// attests the receipt digest.
func GenerateWindowProofs(attester EnclaveAttester, signer cose.Signer, result *mempool.AuctionResult) (*enclaveapi.WindowResponse, error) {
	start := time.Now()

	receipt := validation.NewWindowReceipt(result)
	signed, err := validation.SignReceipt(receipt, signer)
	if err != nil {
		return nil, err
	}

	resp := &enclaveapi.WindowResponse{
		Result:  result,
		Receipt: signed.EncodeBase64(),
	}

	if attester != nil {
		digest, err := receipt.Digest()
		if err != nil {
			return nil, fmt.Errorf("failed to digest receipt of window %d: %w", result.WindowID, err)
		}
		attestation, err := GenerateAttestation(attester, digest[:])
		if err != nil {
			return nil, err
		}
		resp.Attestation = attestation.EncodeBase64()
	}

	resp.ProcessedMS = time.Since(start).Milliseconds()
	return resp, nil
}
