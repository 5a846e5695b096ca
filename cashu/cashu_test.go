package cashu

import (
	"reflect"
	"testing"
)

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{amount: 13, expected: []uint64{1, 4, 8}},
		{amount: 64, expected: []uint64{64}},
		{amount: 100, expected: []uint64{4, 32, 64}},
		{amount: 255, expected: []uint64{1, 2, 4, 8, 16, 32, 64, 128}},
	}

	for _, test := range tests {
		split := AmountSplit(test.amount)
		if !reflect.DeepEqual(split, test.expected) {
			t.Errorf("expected '%v' but got '%v' instead", test.expected, split)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	proofs := Proofs{
		{
			Amount: 2,
			Id:     "009a1f293253e41e",
			Secret: "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e",
			C:      "038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792",
		},
		{
			Amount: 8,
			Id:     "009a1f293253e41e",
			Secret: "acc12435e7b8484c3cf1850149218af90f716a52bf4a5ed347e48ecc13f77388",
			C:      "0244538319de485d55bed3b29a642bee5879375ab9e7a620e11e48ba482421f3cf",
		},
	}
	mint := "http://localhost:3338"

	tokenV4, err := NewTokenV4(proofs, mint, Sat, false)
	if err != nil {
		t.Fatalf("error creating token: %v", err)
	}

	serialized, err := tokenV4.Serialize()
	if err != nil {
		t.Fatalf("error serializing token: %v", err)
	}

	decoded, err := DecodeToken(serialized)
	if err != nil {
		t.Fatalf("error decoding token: %v", err)
	}

	if decoded.Mint() != mint {
		t.Errorf("expected '%v' but got '%v' instead", mint, decoded.Mint())
	}
	if decoded.Amount() != proofs.Amount() {
		t.Errorf("expected '%v' but got '%v' instead", proofs.Amount(), decoded.Amount())
	}

	decodedProofs := decoded.Proofs()
	if len(decodedProofs) != len(proofs) {
		t.Fatalf("expected '%v' proofs but got '%v'", len(proofs), len(decodedProofs))
	}
	for _, proof := range proofs {
		found := false
		for _, decodedProof := range decodedProofs {
			if reflect.DeepEqual(proof, decodedProof) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("proof with secret '%v' missing from decoded token", proof.Secret)
		}
	}

	tokenV3, err := NewTokenV3(proofs, mint, Sat, false)
	if err != nil {
		t.Fatalf("error creating V3 token: %v", err)
	}
	serializedV3, err := tokenV3.Serialize()
	if err != nil {
		t.Fatalf("error serializing V3 token: %v", err)
	}
	decodedV3, err := DecodeToken(serializedV3)
	if err != nil {
		t.Fatalf("error decoding V3 token: %v", err)
	}
	if !reflect.DeepEqual(decodedV3.Proofs(), proofs) {
		t.Error("proofs from decoded V3 token do not match originals")
	}
}

func TestDecodeTokenErrors(t *testing.T) {
	invalid := []string{
		"",
		"cashu",
		"cashuCabc",
		"cashuBnotvalidcbor!!",
	}
	for _, tokenstr := range invalid {
		if _, err := DecodeToken(tokenstr); err == nil {
			t.Errorf("expected error decoding token '%v' but got nil", tokenstr)
		}
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	proofs := Proofs{
		{Amount: 1, Id: "009a1f293253e41e", Secret: "secret1", C: "c1"},
		{Amount: 2, Id: "009a1f293253e41e", Secret: "secret2", C: "c2"},
	}
	if CheckDuplicateProofs(proofs) {
		t.Error("expected no duplicate proofs")
	}

	proofs = append(proofs, proofs[0])
	if !CheckDuplicateProofs(proofs) {
		t.Error("expected duplicate proofs")
	}
}
