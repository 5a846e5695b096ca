// Package nut06 contains structs as defined in [NUT-06]
//
// [NUT-06]: https://github.com/cashubtc/nuts/blob/main/06.md
package nut06

import (
	"encoding/json"
)

type MintInfo struct {
	Name            string        `json:"name"`
	Pubkey          string        `json:"pubkey"`
	Version         string        `json:"version"`
	Description     string        `json:"description"`
	LongDescription string        `json:"description_long,omitempty"`
	Contact         []ContactInfo `json:"contact,omitempty"`
	Motd            string        `json:"motd,omitempty"`
	IconURL         string        `json:"icon_url,omitempty"`
	URLs            []string      `json:"urls,omitempty"`
	Time            int64         `json:"time,omitempty"`
	Nuts            Nuts          `json:"nuts"`
}

type ContactInfo struct {
	Method string `json:"method"`
	Info   string `json:"info"`
}

// some mints still advertise contact in the pre-0.15 array-of-arrays
// format. Decode it leniently and drop it if it does not parse.
func (mi *MintInfo) UnmarshalJSON(data []byte) error {
	type mintInfoAlias MintInfo
	aux := struct {
		Contact json.RawMessage `json:"contact,omitempty"`
		*mintInfoAlias
	}{
		mintInfoAlias: (*mintInfoAlias)(mi),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	mi.Contact = nil
	json.Unmarshal(aux.Contact, &mi.Contact)
	return nil
}

type NutSetting struct {
	Methods  []MethodSetting `json:"methods"`
	Disabled bool            `json:"disabled"`
}

type MethodSetting struct {
	Method    string `json:"method"`
	Unit      string `json:"unit"`
	MinAmount uint64 `json:"min_amount,omitempty"`
	MaxAmount uint64 `json:"max_amount,omitempty"`
}

type Supported struct {
	Supported bool `json:"supported"`
}

type Nuts struct {
	Nut04 NutSetting  `json:"4"`
	Nut05 NutSetting  `json:"5"`
	Nut07 Supported   `json:"7"`
	Nut08 Supported   `json:"8"`
	Nut09 Supported   `json:"9"`
	Nut10 Supported   `json:"10"`
	Nut11 Supported   `json:"11"`
	Nut12 Supported   `json:"12"`
	Nut14 Supported   `json:"14"`
	Nut15 *NutSetting `json:"15,omitempty"`
}

// nut-15 support was first signalled as a bare list of methods and later
// as a full setting object. Accept both.
func (nuts *Nuts) UnmarshalJSON(data []byte) error {
	type nutsAlias Nuts
	aux := struct {
		Nut15 json.RawMessage `json:"15,omitempty"`
		*nutsAlias
	}{
		nutsAlias: (*nutsAlias)(nuts),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	nuts.Nut15 = nil
	if len(aux.Nut15) == 0 {
		return nil
	}

	var setting NutSetting
	if err := json.Unmarshal(aux.Nut15, &setting); err == nil {
		nuts.Nut15 = &setting
		return nil
	}

	var methods []MethodSetting
	if err := json.Unmarshal(aux.Nut15, &methods); err != nil {
		methods = []MethodSetting{}
	}
	nuts.Nut15 = &NutSetting{Methods: methods}
	return nil
}
