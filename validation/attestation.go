package validation

import (
	"bytes"
	"fmt"

	"github.com/cloudx-io/auctionpool/enclaveapi"
	"github.com/cloudx-io/auctionpool/enclaveapi/parsing"
)

// validateCommonAttestation performs validation common to all attestation types:
// PCRs, certificate chain and signature. It also returns the raw user data.
func validateCommonAttestation(doc enclaveapi.SignedDocument, opts AttestationOptions) (*BaseValidationResult, []byte, error) {
	attestationDoc, userData, err := parsing.ParseAttestationDoc(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("parse attestation document: %w", err)
	}

	result := &BaseValidationResult{
		ValidationDetails: []string{},
	}

	pcrMatch, matchedSet := ValidatePCRs(attestationDoc.PCRs, opts.KnownPCRs)
	result.PCRsValid = pcrMatch
	if !pcrMatch {
		result.ValidationDetails = append(result.ValidationDetails,
			fmt.Sprintf("PCR0: %s (no match)", attestationDoc.PCRs.ImageFileHash),
			fmt.Sprintf("PCR1: %s (no match)", attestationDoc.PCRs.KernelHash),
			fmt.Sprintf("PCR2: %s (no match)", attestationDoc.PCRs.ApplicationHash))
	} else {
		result.ValidationDetails = append(result.ValidationDetails, "PCR measurements valid",
			fmt.Sprintf("Matched PCR set: #%d (commit: %s)", matchedSet, opts.KnownPCRs[matchedSet].CommitHash))
	}

	switch {
	case attestationDoc.Certificate == "":
		result.ValidationDetails = append(result.ValidationDetails, "Missing certificate")
	case len(attestationDoc.CABundle) == 0:
		result.ValidationDetails = append(result.ValidationDetails, "Missing CA bundle")
	default:
		err = ValidateCertificateChain(attestationDoc.Certificate, attestationDoc.CABundle, attestationDoc.Timestamp, opts.Roots)
		if err != nil {
			result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Certificate chain validation failed: %v", err))
		} else {
			result.CertificateValid = true
			result.ValidationDetails = append(result.ValidationDetails, "Certificate chain verified")
		}
	}

	if err := VerifyCOSESignature(doc, attestationDoc.Certificate); err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("COSE signature verification failed: %v", err))
	} else {
		result.SignatureValid = true
		result.ValidationDetails = append(result.ValidationDetails, "COSE signature verified")
	}

	return result, userData, nil
}

// ValidateWindowAttestation checks that attestation comes from a known enclave image and
// that its user data is the digest of receipt.
func ValidateWindowAttestation(attestation enclaveapi.SignedDocumentBase64, receipt *WindowReceipt, opts AttestationOptions) (*WindowValidationResult, error) {
	doc, err := attestation.Decode()
	if err != nil {
		return nil, err
	}

	base, userData, err := validateCommonAttestation(doc, opts)
	if err != nil {
		return nil, err
	}

	digest, err := receipt.Digest()
	if err != nil {
		return nil, fmt.Errorf("digest receipt: %w", err)
	}

	result := &WindowValidationResult{BaseValidationResult: *base}
	if bytes.Equal(userData, digest[:]) {
		result.ReceiptMatch = true
		result.ValidationDetails = append(result.ValidationDetails,
			fmt.Sprintf("Attestation binds receipt of window %d", receipt.WindowID))
	} else {
		result.ValidationDetails = append(result.ValidationDetails,
			fmt.Sprintf("Receipt digest mismatch: attested %x, receipt %s", userData, digest))
	}
	return result, nil
}
