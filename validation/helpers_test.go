package validation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/enclaveapi"
	"github.com/cloudx-io/auctionpool/mempool"
)

var attestedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var testPCRs = PCRSet{
	PCR0:       "aa00",
	PCR1:       "bb01",
	PCR2:       "cc02",
	CommitHash: "4f2a9c1",
}

// testEnclave signs attestations the way the nitro hypervisor does, under a private CA.
type testEnclave struct {
	roots   *x509.CertPool
	rootDER []byte
	leafDER []byte
	leafKey *ecdsa.PrivateKey
}

func newTestEnclave(t *testing.T) *testEnclave {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	assert.NoError(t, err)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test.nitro-enclaves"},
		NotBefore:             attestedAt.Add(-24 * time.Hour),
		NotAfter:              attestedAt.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	assert.NoError(t, err)
	root, err := x509.ParseCertificate(rootDER)
	assert.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	assert.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "i-0abc-enc0123"},
		NotBefore:    attestedAt.Add(-time.Hour),
		NotAfter:     attestedAt.Add(3 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, root, &leafKey.PublicKey, rootKey)
	assert.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(root)
	return &testEnclave{roots: roots, rootDER: rootDER, leafDER: leafDER, leafKey: leafKey}
}

func (e *testEnclave) options() AttestationOptions {
	return AttestationOptions{KnownPCRs: []PCRSet{testPCRs}, Roots: e.roots}
}

func (e *testEnclave) attest(t *testing.T, userData []byte) enclaveapi.SignedDocumentBase64 {
	t.Helper()

	payload, err := cbor.Marshal(map[string]any{
		"module_id": "i-0abc-enc0123",
		"digest":    "SHA384",
		"timestamp": uint64(attestedAt.UnixMilli()),
		"pcrs": map[uint64][]byte{
			0: {0xaa, 0x00},
			1: {0xbb, 0x01},
			2: {0xcc, 0x02},
		},
		"certificate": e.leafDER,
		"cabundle":    [][]byte{e.rootDER},
		"public_key":  []byte{},
		"user_data":   userData,
		"nonce":       []byte("nonce"),
	})
	assert.NoError(t, err)

	protected, err := cbor.Marshal(map[int]int{1: -35})
	assert.NoError(t, err)

	toSign, err := cbor.Marshal([]any{"Signature1", protected, []byte{}, payload})
	assert.NoError(t, err)

	signer, err := cose.NewSigner(cose.AlgorithmES384, e.leafKey)
	assert.NoError(t, err)
	signature, err := signer.Sign(rand.Reader, toSign)
	assert.NoError(t, err)

	doc, err := cbor.Marshal([]any{protected, map[any]any{}, payload, signature})
	assert.NoError(t, err)
	return enclaveapi.SignedDocument(doc).EncodeBase64()
}

func newTx(id byte, chainID, bid uint64) core.AuctionTransaction {
	return core.NewAuctionTransaction(core.Hash{id}, chainID, bid, 21000, 100, "sender", attestedAt)
}

// sealedResult seals one window over A, B, C and leaves D pending.
func sealedResult(t *testing.T) *mempool.AuctionResult {
	t.Helper()
	s := mempool.NewScheduler(mempool.NewCommitmentPool(), mempool.WithClock(core.NewManualClock(attestedAt)))
	s.SubmitTransaction(newTx('A', 1, 2000))
	s.SubmitTransaction(newTx('B', 1, 1000))
	s.SubmitTransaction(newTx('C', 2, 1500))
	s.SubmitTransaction(newTx('D', 2, 500))

	id := s.CreateWindow(time.Minute, 3, 100000, core.AuctionTypeStandardExecution)
	result, err := s.SealWindow(id)
	assert.NoError(t, err)
	return result
}
