// Package parsing decodes the CBOR structures produced inside the enclave.
package parsing

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Sign1Parts are the four elements of an untagged COSE_Sign1 array:
// [protected, unprotected, payload, signature].
type Sign1Parts struct {
	Protected []byte
	Payload   []byte
	Signature []byte
}

// SplitCOSESign1 splits a COSE_Sign1 message. Both tagged (18) and untagged forms are
// accepted; nitro emits the untagged one.
func SplitCOSESign1(coseBytes []byte) (*Sign1Parts, error) {
	var coseArray []any
	var tagged cbor.Tag
	if err := cbor.Unmarshal(coseBytes, &tagged); err == nil && tagged.Number == 18 {
		arr, ok := tagged.Content.([]any)
		if !ok {
			return nil, fmt.Errorf("invalid COSE_Sign1 tag content")
		}
		coseArray = arr
	} else if err := cbor.Unmarshal(coseBytes, &coseArray); err != nil {
		return nil, fmt.Errorf("parse COSE array: %w", err)
	}

	if len(coseArray) != 4 {
		return nil, fmt.Errorf("invalid COSE_Sign1 structure: expected 4 elements, got %d", len(coseArray))
	}

	protected, ok := coseArray[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid protected headers")
	}
	payload, ok := coseArray[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid payload in COSE structure")
	}
	signature, ok := coseArray[3].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid signature")
	}

	return &Sign1Parts{Protected: protected, Payload: payload, Signature: signature}, nil
}

// ExtractCOSEPayload returns the payload (element 2) of a COSE_Sign1 message.
func ExtractCOSEPayload(coseBytes []byte) ([]byte, error) {
	parts, err := SplitCOSESign1(coseBytes)
	if err != nil {
		return nil, err
	}
	return parts.Payload, nil
}
