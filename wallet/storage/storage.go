// Package storage defines the persistence contracts the wallet depends on
// and the row types stored by the concrete engines.
package storage

import (
	"errors"
	"fmt"

	"github.com/elnosh/nutw/cashu"
	"github.com/elnosh/nutw/cashu/nuts/nut04"
	"github.com/elnosh/nutw/cashu/nuts/nut05"
)

var (
	ErrMintNotFound      = errors.New("mint does not exist")
	ErrKeysetNotFound    = errors.New("keyset does not exist")
	ErrQuoteNotFound     = errors.New("quote does not exist")
	ErrProofNotFound     = errors.New("proof does not exist")
	ErrHistoryNotFound   = errors.New("history entry does not exist")
	ErrMnemonicNotExists = errors.New("mnemonic does not exist")
)

// DuplicateProofError is returned when saving a proof whose secret
// is already stored for that mint. It means either a replayed receive
// or a bug in proof bookkeeping, and the operation that triggered it
// must be aborted.
type DuplicateProofError struct {
	Mint   string
	Secret string
}

func (e *DuplicateProofError) Error() string {
	return fmt.Sprintf("proof with secret '%v' already exists for mint '%v'", e.Secret, e.Mint)
}

// ProofState is the local lifecycle state of a stored proof.
type ProofState int

const (
	// Inflight marks proofs reserved by an operation whose outcome
	// is not yet known (swap or melt in progress, crash recovery).
	Inflight ProofState = iota
	// Ready marks spendable proofs.
	Ready
	// Spent marks consumed proofs kept for idempotence checks.
	Spent
)

func (state ProofState) String() string {
	switch state {
	case Inflight:
		return "inflight"
	case Ready:
		return "ready"
	case Spent:
		return "spent"
	default:
		return "unknown"
	}
}

func StringToProofState(state string) ProofState {
	switch state {
	case "inflight":
		return Inflight
	case "spent":
		return Spent
	default:
		return Ready
	}
}

type Mint struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	MintInfo  []byte `json:"mint_info,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

type DBKeyset struct {
	Id          string            `json:"id"`
	MintURL     string            `json:"mint_url"`
	Unit        string            `json:"unit"`
	Active      bool              `json:"active"`
	PublicKeys  map[uint64]string `json:"public_keys,omitempty"`
	InputFeePpk uint              `json:"input_fee_ppk"`
	UpdatedAt   int64             `json:"updated_at"`
}

type DBProof struct {
	Amount      uint64           `json:"amount"`
	Id          string           `json:"id"`
	Secret      string           `json:"secret"`
	C           string           `json:"C"`
	DLEQ        *cashu.DLEQProof `json:"dleq,omitempty"`
	Witness     string           `json:"witness,omitempty"`
	MintURL     string           `json:"mint_url"`
	State       ProofState       `json:"state"`
	MeltQuoteId string           `json:"melt_quote_id,omitempty"`
	// ReservedAt is set when the proof was reserved as the input of a
	// swap. Zero for inflight proofs that back an unclaimed token.
	ReservedAt int64 `json:"reserved_at,omitempty"`
	CreatedAt  int64 `json:"created_at"`
}

type MintQuote struct {
	QuoteId        string      `json:"quote_id"`
	Mint           string      `json:"mint"`
	Method         string      `json:"method"`
	State          nut04.State `json:"state"`
	Unit           string      `json:"unit"`
	PaymentRequest string      `json:"payment_request"`
	Amount         uint64      `json:"amount"`
	Expiry         uint64      `json:"expiry"`
	Pubkey         string      `json:"pubkey,omitempty"`
	// KeysetId and Counter record the output range reserved for
	// redeeming the quote. They are set on the first redeem attempt so
	// a retry replays the exact same blinded messages instead of
	// reserving a fresh range. Empty KeysetId means no range was
	// reserved yet.
	KeysetId  string `json:"keyset_id,omitempty"`
	Counter   uint32 `json:"counter,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

type MeltQuote struct {
	QuoteId        string      `json:"quote_id"`
	Mint           string      `json:"mint"`
	Method         string      `json:"method"`
	State          nut05.State `json:"state"`
	Unit           string      `json:"unit"`
	PaymentRequest string      `json:"payment_request"`
	Amount         uint64      `json:"amount"`
	FeeReserve     uint64      `json:"fee_reserve"`
	Expiry         uint64      `json:"expiry"`
	Preimage       string      `json:"preimage,omitempty"`
	CreatedAt      int64       `json:"created_at"`
}

type HistoryType int

const (
	HistoryMint HistoryType = iota
	HistoryMelt
	HistorySend
	HistoryReceive
)

func (t HistoryType) String() string {
	switch t {
	case HistoryMint:
		return "mint"
	case HistoryMelt:
		return "melt"
	case HistorySend:
		return "send"
	case HistoryReceive:
		return "receive"
	default:
		return "unknown"
	}
}

func StringToHistoryType(t string) HistoryType {
	switch t {
	case "mint":
		return HistoryMint
	case "melt":
		return HistoryMelt
	case "receive":
		return HistoryReceive
	default:
		return HistorySend
	}
}

// HistoryEntry records one wallet operation. Entries are append-only;
// for mint and melt entries only QuoteState may change afterwards.
type HistoryEntry struct {
	Id         string      `json:"id"`
	Type       HistoryType `json:"type"`
	Mint       string      `json:"mint"`
	Unit       string      `json:"unit"`
	Amount     uint64      `json:"amount"`
	CreatedAt  int64       `json:"created_at"`
	QuoteId    string      `json:"quote_id,omitempty"`
	QuoteState string      `json:"quote_state,omitempty"`
	Token      string      `json:"token,omitempty"`
	Memo       string      `json:"memo,omitempty"`
}

type MintStore interface {
	SaveMint(Mint) error
	GetMint(mintURL string) (*Mint, error)
	GetMints() ([]Mint, error)
	DeleteMint(mintURL string) error
}

type KeysetStore interface {
	SaveKeyset(DBKeyset) error
	GetKeysets(mintURL string) ([]DBKeyset, error)
	GetKeyset(mintURL, keysetId string) (*DBKeyset, error)
	UpdateKeysetActive(mintURL, keysetId string, active bool) error
}

// CounterStore hands out derivation counter values for a keyset.
type CounterStore interface {
	// ReserveCounterValues atomically advances the counter for
	// (mintURL, keysetId) by count and returns the first value of the
	// reserved range. Concurrent reservations get disjoint consecutive
	// ranges.
	ReserveCounterValues(mintURL, keysetId string, count uint32) (uint32, error)
	GetCounter(mintURL, keysetId string) (uint32, error)
	// SetCounter overwrites the counter. Only meant for restoring a
	// wallet from seed; it must never be used to move a counter back
	// on a live wallet.
	SetCounter(mintURL, keysetId string, counter uint32) error
}

type ProofStore interface {
	// SaveProofs stores all proofs or none. Before writing anything it
	// checks every secret against the stored proofs of that mint and
	// fails with DuplicateProofError on the first secret already present.
	SaveProofs(proofs []DBProof) error
	GetProofs(mintURL string, state ProofState) ([]DBProof, error)
	GetProofsByKeyset(mintURL, keysetId string, state ProofState) ([]DBProof, error)
	// GetAllProofs returns proofs in the given state across every mint.
	GetAllProofs(state ProofState) ([]DBProof, error)
	GetProofsByMeltQuote(mintURL, quoteId string) ([]DBProof, error)
	// UpdateProofsState sets the state of all listed proofs or none of
	// them. Moving a proof out of Inflight clears its reservation mark.
	UpdateProofsState(mintURL string, secrets []string, state ProofState) error
	// ReserveProofsForSwap marks proofs inflight and records when they
	// were reserved, so stranded reservations can be detected later.
	ReserveProofsForSwap(mintURL string, secrets []string) error
	// ReserveProofsForMelt marks proofs inflight and ties them to a melt
	// quote so they stay unselectable until the melt resolves.
	ReserveProofsForMelt(mintURL string, secrets []string, meltQuoteId string) error
	DeleteProofs(mintURL string, secrets []string) error
}

type MintQuoteStore interface {
	SaveMintQuote(MintQuote) error
	GetMintQuote(mintURL, quoteId string) (*MintQuote, error)
	GetMintQuotes(mintURL string) ([]MintQuote, error)
	// GetMintQuotesByState returns quotes in the given state across all
	// mints. Used to seed the quote watcher at startup.
	GetMintQuotesByState(state nut04.State) ([]MintQuote, error)
	UpdateMintQuoteState(mintURL, quoteId string, state nut04.State) error
	// SetMintQuoteOutputs records the output range reserved to redeem
	// the quote.
	SetMintQuoteOutputs(mintURL, quoteId, keysetId string, counter uint32) error
}

type MeltQuoteStore interface {
	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(mintURL, quoteId string) (*MeltQuote, error)
	GetMeltQuotesByState(state nut05.State) ([]MeltQuote, error)
	UpdateMeltQuote(mintURL, quoteId, preimage string, state nut05.State) error
}

type HistoryStore interface {
	SaveHistoryEntry(HistoryEntry) error
	// GetHistory returns entries newest first.
	GetHistory(limit, offset int) ([]HistoryEntry, error)
	GetHistoryByMint(mintURL string, limit, offset int) ([]HistoryEntry, error)
	GetQuoteHistoryEntry(mintURL, quoteId string, entryType HistoryType) (*HistoryEntry, error)
	// UpdateQuoteHistoryState changes the recorded quote state of a mint
	// or melt entry in place, keeping its id and creation time.
	UpdateQuoteHistoryState(mintURL, quoteId string, entryType HistoryType, quoteState string) error
}

type SeedStore interface {
	SaveMnemonicSeed(mnemonic string, seed []byte) error
	GetSeed() ([]byte, error)
	GetMnemonic() (string, error)
}

// WalletDB is the full storage contract of the wallet. Multi-row
// mutations that must commit together are exposed as single methods so
// every engine can give them one transaction.
type WalletDB interface {
	MintStore
	KeysetStore
	CounterStore
	ProofStore
	MintQuoteStore
	MeltQuoteStore
	HistoryStore
	SeedStore

	// CompleteSwap commits the local result of a successful swap in one
	// transaction: input proofs become spent, the new proofs are stored
	// ready, and the history entry is appended.
	CompleteSwap(mintURL string, spentSecrets []string, newProofs []DBProof, entry HistoryEntry) error
	// CompleteMintQuote marks a quote issued, stores the minted proofs
	// and settles the quote's history entry, all in one transaction.
	CompleteMintQuote(mintURL, quoteId string, newProofs []DBProof) error
	// CompleteMeltQuote marks a melt quote paid, its reserved proofs
	// spent, stores any returned change and settles the history entry.
	CompleteMeltQuote(mintURL, quoteId, preimage string, changeProofs []DBProof) error
	// RevertMeltQuote puts a failed melt back: quote unpaid, reserved
	// proofs ready again, history entry updated.
	RevertMeltQuote(mintURL, quoteId string) error

	Close() error
}
