package validation

import "crypto/x509"

// BaseValidationResult contains common validation results for all attestation types
type BaseValidationResult struct {
	PCRsValid         bool
	CertificateValid  bool
	SignatureValid    bool
	ValidationDetails []string
}

// WindowValidationResult contains the results of validating a sealed window's attestation
type WindowValidationResult struct {
	BaseValidationResult
	ReceiptMatch bool
}

// IsValid returns true if all window validation checks passed
func (r *WindowValidationResult) IsValid() bool {
	return r.PCRsValid && r.CertificateValid && r.SignatureValid && r.ReceiptMatch
}

// KeyValidationResult contains validation results specific to signing key attestations
type KeyValidationResult struct {
	BaseValidationResult
	PublicKeyMatch bool
}

// IsValid returns true if all key validation checks passed
func (r *KeyValidationResult) IsValid() bool {
	return r.PCRsValid && r.CertificateValid && r.SignatureValid && r.PublicKeyMatch
}

// PCRSet represents a known-good set of PCR measurements
type PCRSet struct {
	PCR0       string `yaml:"pcr0" json:"pcr0"`
	PCR1       string `yaml:"pcr1" json:"pcr1"`
	PCR2       string `yaml:"pcr2" json:"pcr2"`
	CommitHash string `yaml:"commit_hash" json:"commit_hash"` // auctionpool commit the enclave image was built from
}

// PCRConfig represents the PCR configuration file structure
type PCRConfig struct {
	PCRSets []PCRSet `yaml:"pcr_sets" json:"pcr_sets"`
}

// AttestationOptions configures attestation validation.
type AttestationOptions struct {
	// KnownPCRs must contain the enclave's measurements for PCRsValid to hold
	KnownPCRs []PCRSet

	// Roots anchors the certificate chain; nil means the AWS Nitro root
	Roots *x509.CertPool
}
