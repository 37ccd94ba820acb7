package main

import (
	"errors"
	"testing"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/enclaveapi/parsing"
	"github.com/cloudx-io/auctionpool/mempool"
	"github.com/cloudx-io/auctionpool/validation"
)

func sealTestWindow(t *testing.T) *mempool.AuctionResult {
	t.Helper()
	s := mempool.NewScheduler(mempool.NewCommitmentPool(), mempool.WithClock(core.NewManualClock(testStart)))
	s.SubmitTransaction(newTx('A', 1, 2000, 21000))
	s.SubmitTransaction(newTx('B', 1, 1000, 21000))
	s.SubmitTransaction(newTx('C', 2, 1500, 21000))

	id := s.CreateWindow(time.Minute, 10, 100000, core.AuctionTypeStandardExecution)
	result, err := s.SealWindow(id)
	assert.NoError(t, err)
	return result
}

func TestGenerateAttestation(t *testing.T) {
	t.Run("nil attester", func(t *testing.T) {
		_, err := GenerateAttestation(nil, []byte("data"))
		check.Error(t, err)
	})

	t.Run("carries user data and a fresh nonce", func(t *testing.T) {
		mock := CreateMockEnclave(t)
		_, err := GenerateAttestation(mock, []byte("first"))
		assert.NoError(t, err)
		_, err = GenerateAttestation(mock, []byte("second"))
		assert.NoError(t, err)

		calls := mock.Calls()
		assert.Equal(t, 2, len(calls))
		check.Equal(t, []byte("first"), calls[0].UserData)
		check.Equal(t, 64, len(calls[0].Nonce))
		check.NotEqual(t, string(calls[0].Nonce), string(calls[1].Nonce))
	})

	t.Run("NSM failure", func(t *testing.T) {
		mock := &MockEnclaveHandle{AttestFunc: func(enclave.AttestationOptions) ([]byte, error) {
			return nil, errors.New("device busy")
		}}
		_, err := GenerateAttestation(mock, []byte("data"))
		check.Error(t, err)
	})
}

func TestGenerateWindowProofs(t *testing.T) {
	km, err := NewKeyManager()
	assert.NoError(t, err)
	result := sealTestWindow(t)

	resp, err := GenerateWindowProofs(CreateMockEnclave(t), km.Signer(), result)
	assert.NoError(t, err)
	check.True(t, resp.Result == result)

	signed, err := resp.Receipt.Decode()
	assert.NoError(t, err)
	receipt, err := validation.VerifyReceipt(signed, km.PublicKey)
	assert.NoError(t, err)
	check.Equal(t, result.WindowID, receipt.WindowID)
	check.Equal(t, []core.Hash{{'A'}, {'C'}, {'B'}}, receipt.WinnerIDs)
	check.Equal(t, uint64(4500), receipt.TotalRevenue)
	check.Equal(t, result.WinnersRoot, receipt.WinnersRoot)

	attestation, err := resp.Attestation.Decode()
	assert.NoError(t, err)
	_, userData, err := parsing.ParseAttestationDoc(attestation)
	assert.NoError(t, err)
	digest, err := receipt.Digest()
	assert.NoError(t, err)
	check.Equal(t, digest[:], userData)

	for _, tx := range result.Winners {
		proof, err := result.WinnerProof(tx.ID)
		assert.NoError(t, err)
		check.NoError(t, receipt.VerifyWinner(&tx, proof))
	}
}

func TestGenerateWindowProofs_WithoutAttester(t *testing.T) {
	km, err := NewKeyManager()
	assert.NoError(t, err)

	resp, err := GenerateWindowProofs(nil, km.Signer(), sealTestWindow(t))
	assert.NoError(t, err)
	check.Equal(t, "", string(resp.Attestation))
	check.NotEqual(t, "", string(resp.Receipt))
}

func TestGenerateWindowProofs_ForeignKeyRejected(t *testing.T) {
	km, err := NewKeyManager()
	assert.NoError(t, err)
	other, err := NewKeyManager()
	assert.NoError(t, err)

	resp, err := GenerateWindowProofs(nil, km.Signer(), sealTestWindow(t))
	assert.NoError(t, err)
	signed, err := resp.Receipt.Decode()
	assert.NoError(t, err)

	_, err = validation.VerifyReceipt(signed, other.PublicKey)
	check.Error(t, err)
}
