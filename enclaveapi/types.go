package enclaveapi

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudx-io/auctionpool/bundle"
	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/mempool"
)

// SignedDocument holds the raw bytes of a COSE_Sign1 message. Both nitro attestations and
// window receipts travel in this form.
type SignedDocument []byte

// SignedDocumentBase64 is a standard base64 encoding of a SignedDocument, used in JSON.
type SignedDocumentBase64 string

// SignedDocumentURLBase64 is an unpadded base64url encoding of a SignedDocument.
type SignedDocumentURLBase64 string

// SignedDocumentGzip is a gzip-compressed SignedDocument in unpadded base64url.
type SignedDocumentGzip string

// EncodeBase64 encodes the document for JSON transport.
func (d SignedDocument) EncodeBase64() SignedDocumentBase64 {
	return SignedDocumentBase64(base64.StdEncoding.EncodeToString(d))
}

// EncodeURLSafe encodes the document for query strings.
func (d SignedDocument) EncodeURLSafe() SignedDocumentURLBase64 {
	return SignedDocumentURLBase64(base64.RawURLEncoding.EncodeToString(d))
}

// CompressGzip compresses the document. The output is deterministic for equal input.
func (d SignedDocument) CompressGzip() (SignedDocumentGzip, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := w.Write(d); err != nil {
		return "", fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gzip close: %w", err)
	}
	return SignedDocumentGzip(base64.RawURLEncoding.EncodeToString(buf.Bytes())), nil
}

// Decode returns the raw document bytes.
func (b SignedDocumentBase64) Decode() (SignedDocument, error) {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return nil, fmt.Errorf("decode COSE base64: %w", err)
	}
	return SignedDocument(raw), nil
}

// CompressGzip decodes and recompresses the document.
func (b SignedDocumentBase64) CompressGzip() (SignedDocumentGzip, error) {
	raw, err := b.Decode()
	if err != nil {
		return "", err
	}
	return raw.CompressGzip()
}

// Decode returns the raw document bytes. Padded input is accepted.
func (u SignedDocumentURLBase64) Decode() (SignedDocument, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(string(u), "="))
	if err != nil {
		return nil, fmt.Errorf("decode COSE base64url: %w", err)
	}
	return SignedDocument(raw), nil
}

func (u SignedDocumentURLBase64) String() string {
	return string(u)
}

// Decompress returns the raw document bytes.
func (g SignedDocumentGzip) Decompress() (SignedDocument, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(string(g))
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gzip stream: %w", err)
	}
	return SignedDocument(raw), nil
}

func (g SignedDocumentGzip) String() string {
	return string(g)
}

// PCRs represents the Platform Configuration Registers from AWS Nitro Enclaves
type PCRs struct {
	// PCR0: Hash of the Enclave Image File (EIF)
	ImageFileHash string `json:"0"`

	// PCR1: Hash of the Linux kernel and initial RAM data (initramfs)
	KernelHash string `json:"1"`

	// PCR2: Hash of user applications, excluding the boot ramfs
	ApplicationHash string `json:"2"`

	// PCR3: Hash of the IAM role assigned to the parent instance
	IAMRoleHash string `json:"3"`

	// PCR4: Hash of the parent instance's ID
	InstanceIDHash string `json:"4"`

	// PCR8: Hash of the enclave image file's signing certificate
	SigningCertHash string `json:"8,omitempty"`
}

// AttestationDoc is the parsed form of a nitro attestation document.
type AttestationDoc struct {
	ModuleID        string    `json:"module_id"`
	Timestamp       time.Time `json:"timestamp"`
	DigestAlgorithm string    `json:"digest"`
	PCRs            PCRs      `json:"pcrs"`

	// Certificate and CABundle are base64 DER
	Certificate string   `json:"certificate"`
	CABundle    []string `json:"cabundle"`

	PublicKey string `json:"public_key"`
	Nonce     string `json:"nonce"`

	// UserData is the hex digest of the receipt the enclave attested to
	UserData string `json:"user_data"`
}

// Request types accepted by the enclave daemon.
const (
	RequestPing              = "ping"
	RequestSigningKey        = "signing_key"
	RequestSubmitTransaction = "submit_transaction"
	RequestRemoveTransaction = "remove_transaction"
	RequestTransactionProof  = "transaction_proof"
	RequestCreateWindow      = "create_window"
	RequestSealWindow        = "seal_window"
	RequestGetWindow         = "get_window"
	RequestMempoolStats      = "mempool_stats"
	RequestCreateAuction     = "create_auction"
	RequestStartAuction      = "start_auction"
	RequestSubmitBid         = "submit_bid"
	RequestFinalizeAuction   = "finalize_auction"
	RequestCancelAuction     = "cancel_auction"
	RequestGetAuction        = "get_auction"
	RequestGetBids           = "get_bids"
	RequestGetSettlement     = "get_settlement"
	RequestActiveAuctions    = "active_auctions"
	RequestAuctionMetrics    = "auction_metrics"
	RequestSetBalance        = "set_balance"
	RequestGetBalance        = "get_balance"
	RequestSetStake          = "set_stake"
	RequestSetSystemEnabled  = "set_system_enabled"
	RequestSetEmergencyMode  = "set_emergency_mode"
)

// ResponseError is the type of every failed response.
const ResponseError = "error"

// Request carries every field a daemon request may set; Type selects which ones are read.
type Request struct {
	Type string `json:"type"`

	// Transactions
	TransactionID *core.Hash       `json:"tx_id,omitempty"`
	ChainID       uint64           `json:"chain_id,omitempty"`
	BidAmount     uint64           `json:"bid_amount,omitempty"`
	GasLimit      uint64           `json:"gas_limit,omitempty"`
	DataSize      uint32           `json:"data_size,omitempty"`
	Nonce         uint64           `json:"nonce,omitempty"`
	Sender        string           `json:"sender,omitempty"`
	Payload       []byte           `json:"payload,omitempty"`
	PriorityScore uint16           `json:"priority_score,omitempty"`
	TargetChain   *uint64          `json:"target_chain,omitempty"`
	AuctionType   core.AuctionType `json:"auction_type,omitempty"`

	// Windows
	WindowID        uint64 `json:"window_id,omitempty"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
	MaxTransactions uint32 `json:"max_transactions,omitempty"`
	TotalGasLimit   uint64 `json:"total_gas_limit,omitempty"`

	// Bundle auctions
	AuctionID  string                `json:"auction_id,omitempty"`
	Bundle     *bundle.BundleInfo    `json:"bundle,omitempty"`
	Config     *bundle.AuctionConfig `json:"config,omitempty"`
	BidderID   string                `json:"bidder_id,omitempty"`
	Amount     uint64                `json:"amount,omitempty"`
	Collateral uint64                `json:"collateral,omitempty"`
	Signature  string                `json:"signature,omitempty"`

	// Admin
	Account string `json:"account,omitempty"`
	Balance uint64 `json:"balance,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// Response is the daemon's reply. Only the fields matching the request type are set.
type Response struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`

	TransactionID *core.Hash            `json:"tx_id,omitempty"`
	Proof         *mempool.MerkleProof  `json:"proof,omitempty"`
	WindowID      uint64                `json:"window_id,omitempty"`
	Window        *WindowResponse       `json:"window,omitempty"`
	MempoolStats  *mempool.MempoolStats `json:"mempool_stats,omitempty"`

	AuctionID      string                   `json:"auction_id,omitempty"`
	BidID          string                   `json:"bid_id,omitempty"`
	Auction        *bundle.AuctionInfo      `json:"auction,omitempty"`
	Auctions       []bundle.AuctionInfo     `json:"auctions,omitempty"`
	Bids           []bundle.Bid             `json:"bids,omitempty"`
	Settlement     *bundle.SettlementResult `json:"settlement,omitempty"`
	AuctionMetrics *bundle.Metrics          `json:"auction_metrics,omitempty"`
	Balance        *uint64                  `json:"balance,omitempty"`

	// SigningKey is the PEM public key that verifies window receipts. KeyAttestation binds
	// its SHA-256 DER digest to the enclave image.
	SigningKey     string               `json:"signing_key,omitempty"`
	KeyAttestation SignedDocumentBase64 `json:"key_attestation,omitempty"`
}

// WindowResponse is a sealed window as returned to clients: the result, its signed
// receipt and, inside an enclave, the attestation binding the receipt digest.
type WindowResponse struct {
	Result      *mempool.AuctionResult `json:"result"`
	Receipt     SignedDocumentBase64   `json:"receipt"`
	Attestation SignedDocumentBase64   `json:"attestation,omitempty"`
	ProcessedMS int64                  `json:"processing_time_ms"`
}
