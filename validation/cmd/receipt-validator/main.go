package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sugawarayuuta/sonnet"

	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/enclaveapi"
	"github.com/cloudx-io/auctionpool/mempool"
	"github.com/cloudx-io/auctionpool/validation"
)

type report struct {
	ReceiptValid     bool     `json:"receipt_valid"`
	AttestationValid *bool    `json:"attestation_valid,omitempty"`
	InclusionValid   *bool    `json:"inclusion_valid,omitempty"`
	Details          []string `json:"details"`
}

func (r *report) valid() bool {
	return r.ReceiptValid &&
		(r.AttestationValid == nil || *r.AttestationValid) &&
		(r.InclusionValid == nil || *r.InclusionValid)
}

func main() {
	var (
		windowInput  = flag.String("window", "", "seal_window response JSON (file path or inline JSON)")
		keyPath      = flag.String("signing-key", "", "Receipt signing key PEM file")
		pcrsPath     = flag.String("pcrs", "", "Known PCR sets YAML file; enables attestation checks")
		txInput      = flag.String("tx", "", "Transaction JSON to prove as a winner (file path or inline JSON)")
		proofInput   = flag.String("proof", "", "Merkle proof JSON for --tx (file path or inline JSON)")
		outputFormat = flag.String("format", "text", "Output format: text or json")
		help         = flag.Bool("help", false, "Show usage information")
	)

	flag.Parse()

	if *help {
		showUsage()
		os.Exit(0)
	}

	if *windowInput == "" || *keyPath == "" || (*txInput == "") != (*proofInput == "") {
		showUsage()
		fmt.Fprintf(os.Stderr, "\nError: --window and --signing-key are required; --tx and --proof go together\n")
		os.Exit(1)
	}

	window, err := readWindow(*windowInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading window: %v\n", err)
		os.Exit(2)
	}

	keyPEM, err := os.ReadFile(*keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading signing key: %v\n", err)
		os.Exit(2)
	}
	pub, _, err := validation.ParseSigningKey(string(keyPEM))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading signing key: %v\n", err)
		os.Exit(2)
	}

	out := &report{Details: []string{}}

	doc, err := window.Receipt.Decode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding receipt: %v\n", err)
		os.Exit(2)
	}
	receipt, err := validation.VerifyReceipt(doc, pub)
	if err != nil {
		out.Details = append(out.Details, fmt.Sprintf("Receipt rejected: %v", err))
	} else {
		out.ReceiptValid = true
		out.Details = append(out.Details, fmt.Sprintf("Receipt of window %d signed by the given key", receipt.WindowID))
	}

	if receipt != nil && *pcrsPath != "" {
		knownPCRs, err := validation.LoadPCRsFromFile(*pcrsPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading PCR sets: %v\n", err)
			os.Exit(2)
		}
		ok := false
		if window.Attestation == "" {
			out.Details = append(out.Details, "Window carries no attestation")
		} else {
			result, err := validation.ValidateWindowAttestation(window.Attestation, receipt,
				validation.AttestationOptions{KnownPCRs: knownPCRs})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
				os.Exit(2)
			}
			ok = result.IsValid()
			out.Details = append(out.Details, result.ValidationDetails...)
		}
		out.AttestationValid = &ok
	}

	if receipt != nil && *txInput != "" {
		var (
			tx    core.AuctionTransaction
			proof mempool.MerkleProof
		)
		if err := decodeJSONInput(*txInput, &tx); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading transaction: %v\n", err)
			os.Exit(2)
		}
		if err := decodeJSONInput(*proofInput, &proof); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading proof: %v\n", err)
			os.Exit(2)
		}
		ok := true
		if err := receipt.VerifyWinner(&tx, &proof); err != nil {
			ok = false
			out.Details = append(out.Details, err.Error())
		} else {
			out.Details = append(out.Details, fmt.Sprintf("Transaction %s won window %d", tx.ID, receipt.WindowID))
		}
		out.InclusionValid = &ok
	}

	if *outputFormat == "json" {
		data, err := sonnet.Marshal(out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
			os.Exit(2)
		}
		fmt.Println(string(data))
	} else {
		outputText(out)
	}

	if !out.valid() {
		os.Exit(1)
	}
	os.Exit(0)
}

func showUsage() {
	fmt.Println("Window Receipt Validator")
	fmt.Println()
	fmt.Println("Verifies a sealed window's signed receipt, optionally its enclave attestation,")
	fmt.Println("and optionally that a transaction is one of the window's winners.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  receipt-validator --window <json> --signing-key <pem> [options]")
	fmt.Println()
	fmt.Println("Optional Flags:")
	fmt.Println("  --pcrs <path>                     Known PCR sets (YAML); checks the attestation")
	fmt.Println("  --tx <json> --proof <json>        Winner transaction and its Merkle proof")
	fmt.Println("  --format <text|json>              Output format (default: text)")
	fmt.Println("  --help                            Show this help message")
	fmt.Println()
	fmt.Println("Input Format:")
	fmt.Println("  JSON flags accept either a file path or an inline JSON string.")
	fmt.Println()
	fmt.Println("Exit Codes:")
	fmt.Println("  0 - Validation passed")
	fmt.Println("  1 - Validation failed")
	fmt.Println("  2 - Invalid input or runtime error")
}

func readJSONInput(input string) []byte {
	if data, err := os.ReadFile(input); err == nil {
		return data
	}
	return []byte(input)
}

func decodeJSONInput(input string, v any) error {
	return sonnet.Unmarshal(readJSONInput(input), v)
}

// readWindow accepts a full daemon response or a bare window object.
func readWindow(input string) (*enclaveapi.WindowResponse, error) {
	var response enclaveapi.Response
	if err := decodeJSONInput(input, &response); err != nil {
		return nil, fmt.Errorf("parse window JSON: %w", err)
	}
	if response.Window != nil {
		return response.Window, nil
	}

	var window enclaveapi.WindowResponse
	if err := decodeJSONInput(input, &window); err != nil {
		return nil, fmt.Errorf("parse window JSON: %w", err)
	}
	if window.Receipt == "" {
		return nil, fmt.Errorf("missing receipt in window JSON")
	}
	return &window, nil
}

func outputText(r *report) {
	fmt.Println("Window Receipt Validator")
	fmt.Println("========================")
	fmt.Println()
	fmt.Printf("  Receipt Valid:      %v\n", r.ReceiptValid)
	if r.AttestationValid != nil {
		fmt.Printf("  Attestation Valid:  %v\n", *r.AttestationValid)
	}
	if r.InclusionValid != nil {
		fmt.Printf("  Inclusion Valid:    %v\n", *r.InclusionValid)
	}

	fmt.Println()
	fmt.Println("Details:")
	for _, detail := range r.Details {
		fmt.Printf("  - %s\n", detail)
	}

	fmt.Println()
	fmt.Println("========================")
	if r.valid() {
		fmt.Println("VALIDATION: ✓ PASSED")
	} else {
		fmt.Println("VALIDATION: ✗ FAILED")
	}
}
