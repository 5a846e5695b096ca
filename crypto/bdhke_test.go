package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// test vectors from https://github.com/cashubtc/nuts/blob/main/tests/00-tests.md
func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{
			message:  "0000000000000000000000000000000000000000000000000000000000000000",
			expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725",
		},
		{
			message:  "0000000000000000000000000000000000000000000000000000000000000001",
			expected: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf",
		},
		{
			message:  "0000000000000000000000000000000000000000000000000000000000000002",
			expected: "026cdbe15362df59cd1dd3c9c11de8aedac2106eca69236ecd9fbe117af897be4f",
		},
	}

	for _, test := range tests {
		msgBytes, err := hex.DecodeString(test.message)
		if err != nil {
			t.Errorf("error decoding msg: %v", err)
		}

		pk, err := HashToCurve(msgBytes)
		if err != nil {
			t.Fatalf("HashToCurve: %v", err)
		}
		hexStr := hex.EncodeToString(pk.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("expected '%v' but got '%v' instead", test.expected, hexStr)
		}
	}
}

func TestBlindSignUnblind(t *testing.T) {
	secret := "test_message"

	r, err := GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	B_, r, err := BlindMessage(secret, r)
	if err != nil {
		t.Fatalf("BlindMessage: %v", err)
	}

	kBytes, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	k := secp256k1.PrivKeyFromBytes(kBytes)

	C_ := SignBlindedMessage(B_, k)
	C := UnblindSignature(C_, r, k.PubKey())

	if !Verify(secret, k, C) {
		t.Error("unblinded signature does not verify against the mint key")
	}
}

func TestDeriveKeysetId(t *testing.T) {
	keys := make(map[uint64]*secp256k1.PublicKey)
	for i := 0; i < 5; i++ {
		keyBytes := make([]byte, 32)
		keyBytes[31] = byte(i + 1)
		privKey := secp256k1.PrivKeyFromBytes(keyBytes)
		keys[uint64(1<<i)] = privKey.PubKey()
	}

	id := DeriveKeysetId(keys)
	if len(id) != 16 {
		t.Errorf("expected id of length 16 but got '%v'", len(id))
	}
	if id[:2] != "00" {
		t.Errorf("expected version prefix '00' but got '%v'", id[:2])
	}

	// deriving again from the same keys has to produce the same id
	id2 := DeriveKeysetId(keys)
	if id != id2 {
		t.Errorf("keyset id derivation is not deterministic: '%v' vs '%v'", id, id2)
	}
}
