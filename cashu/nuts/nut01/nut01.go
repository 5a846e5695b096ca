package nut01

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
)

type GetKeysResponse struct {
	Keysets []Keyset `json:"keysets"`
}

type Keyset struct {
	Id   string  `json:"id"`
	Unit string  `json:"unit"`
	Keys KeysMap `json:"keys"`
}

// KeysMap maps an amount to the mint public key for that amount.
type KeysMap map[uint64]string

// keyset id derivation needs the keys serialized in ascending amount
// order, which the default map marshalling does not guarantee
func (km KeysMap) MarshalJSON() ([]byte, error) {
	amounts := make([]uint64, 0, len(km))
	for amount := range km {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, amount := range amounts {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:%q", strconv.FormatUint(amount, 10), km[amount])
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}
