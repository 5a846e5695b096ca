package nut07

import (
	"encoding/json"
	"fmt"
)

type State int

const (
	Unspent State = iota
	Pending
	Spent
	Unknown
)

var stateNames = map[State]string{
	Unspent: "UNSPENT",
	Pending: "PENDING",
	Spent:   "SPENT",
}

func (state State) String() string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return "unknown"
}

func StringToState(state string) State {
	for s, name := range stateNames {
		if name == state {
			return s
		}
	}
	return Unknown
}

type PostCheckStateRequest struct {
	Ys []string `json:"Ys"`
}

type PostCheckStateResponse struct {
	States []ProofState `json:"states"`
}

type ProofState struct {
	Y       string `json:"Y"`
	State   State  `json:"state"`
	Witness string `json:"witness"`
}

// state comes over the wire as a string
func (state *ProofState) UnmarshalJSON(data []byte) error {
	type proofStateAlias ProofState
	aux := struct {
		State string `json:"state"`
		*proofStateAlias
	}{
		proofStateAlias: (*proofStateAlias)(state),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	stateVal := StringToState(aux.State)
	if stateVal == Unknown {
		return fmt.Errorf("invalid proof state '%v'", aux.State)
	}
	state.State = stateVal

	return nil
}
