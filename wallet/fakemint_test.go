package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutw/cashu"
	"github.com/elnosh/nutw/cashu/nuts/nut01"
	"github.com/elnosh/nutw/cashu/nuts/nut02"
	"github.com/elnosh/nutw/cashu/nuts/nut03"
	"github.com/elnosh/nutw/cashu/nuts/nut04"
	"github.com/elnosh/nutw/cashu/nuts/nut05"
	"github.com/elnosh/nutw/cashu/nuts/nut06"
	"github.com/elnosh/nutw/cashu/nuts/nut07"
	"github.com/elnosh/nutw/cashu/nuts/nut09"
	"github.com/elnosh/nutw/crypto"
)

type fakeMintQuote struct {
	amount uint64
	state  nut04.State
}

type fakeMeltQuote struct {
	amount     uint64
	feeReserve uint64
	state      nut05.State
	preimage   string
}

// fakeKeyset is one signing keyset of a fake mint.
type fakeKeyset struct {
	id       string
	privKeys map[uint64]*secp256k1.PrivateKey
	pubKeys  map[uint64]*secp256k1.PublicKey
}

func newFakeKeyset() (*fakeKeyset, error) {
	privKeys := make(map[uint64]*secp256k1.PrivateKey)
	pubKeys := make(map[uint64]*secp256k1.PublicKey)
	for i := 0; i < 32; i++ {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		amount := uint64(1) << i
		privKeys[amount] = key
		pubKeys[amount] = key.PubKey()
	}
	return &fakeKeyset{
		id:       crypto.DeriveKeysetId(pubKeys),
		privKeys: privKeys,
		pubKeys:  pubKeys,
	}, nil
}

func (ks *fakeKeyset) hexKeys() nut01.KeysMap {
	keys := make(nut01.KeysMap, len(ks.pubKeys))
	for amount, key := range ks.pubKeys {
		keys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	return keys
}

// fakeMint holds the in-memory state of one mint: its signing keysets,
// quotes and the set of spent proofs.
type fakeMint struct {
	url         string
	active      *fakeKeyset
	retired     []*fakeKeyset
	inputFeePpk uint

	mintQuotes map[string]*fakeMintQuote
	meltQuotes map[string]*fakeMeltQuote
	spentYs    map[string]bool
	issuedSigs map[string]cashu.BlindedSignature

	// meltOutcome is the state PostMeltBolt11 reports back
	meltOutcome  nut05.State
	lightningFee uint64
	// extraChange returns one more change signature than there were
	// blank outputs
	extraChange bool

	quoteExpiry  time.Duration
	quoteCounter int
}

func newFakeMint(url string, inputFeePpk uint) (*fakeMint, error) {
	keyset, err := newFakeKeyset()
	if err != nil {
		return nil, err
	}
	return &fakeMint{
		url:         url,
		active:      keyset,
		inputFeePpk: inputFeePpk,
		mintQuotes:  make(map[string]*fakeMintQuote),
		meltQuotes:  make(map[string]*fakeMeltQuote),
		spentYs:     make(map[string]bool),
		issuedSigs:  make(map[string]cashu.BlindedSignature),
		meltOutcome: nut05.Paid,
		quoteExpiry: time.Hour,
	}, nil
}

func (fm *fakeMint) keyset(id string) *fakeKeyset {
	if fm.active.id == id {
		return fm.active
	}
	for _, ks := range fm.retired {
		if ks.id == id {
			return ks
		}
	}
	return nil
}

func (fm *fakeMint) signBlindedMessages(messages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	signatures := make(cashu.BlindedSignatures, len(messages))
	for i, msg := range messages {
		ks := fm.keyset(msg.Id)
		if ks == nil {
			return nil, cashu.BuildCashuError(fmt.Sprintf("unknown keyset '%v'", msg.Id),
				cashu.StandardErrCode)
		}
		key, ok := ks.privKeys[msg.Amount]
		if !ok {
			return nil, cashu.BuildCashuError(fmt.Sprintf("invalid amount '%v'", msg.Amount),
				cashu.StandardErrCode)
		}
		B_bytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			return nil, err
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, err
		}

		C_ := crypto.SignBlindedMessage(B_, key)
		signature := cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     ks.id,
		}
		fm.issuedSigs[msg.B_] = signature
		signatures[i] = signature
	}
	return signatures, nil
}

// checkProofs verifies the proofs were signed by this mint and none of
// them is spent.
func (fm *fakeMint) checkProofs(proofs cashu.Proofs) ([]string, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		ks := fm.keyset(proof.Id)
		if ks == nil {
			return nil, cashu.BuildCashuError("invalid proof keyset", cashu.InvalidProofErrCode)
		}
		key, ok := ks.privKeys[proof.Amount]
		if !ok {
			return nil, cashu.BuildCashuError("invalid proof amount", cashu.InvalidProofErrCode)
		}
		C_bytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return nil, err
		}
		C, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}
		if !crypto.Verify(proof.Secret, key, C) {
			return nil, cashu.BuildCashuError("invalid proof", cashu.InvalidProofErrCode)
		}

		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		if fm.spentYs[Yhex] {
			return nil, cashu.BuildCashuError("proof already used", cashu.ProofAlreadyUsedErrCode)
		}
		Ys[i] = Yhex
	}
	return Ys, nil
}

func (fm *fakeMint) feeForInputs(inputs cashu.Proofs) uint64 {
	return uint64((uint(len(inputs))*fm.inputFeePpk + 999) / 1000)
}

// fakeMintClient implements MintClient against in-memory mints.
type fakeMintClient struct {
	mu    sync.Mutex
	mints map[string]*fakeMint
	// failPostMelt simulates the connection dying on the melt request
	failPostMelt bool
	// failMintResponse makes the next PostMintBolt11 process the
	// request mint-side but lose the response on the wire
	failMintResponse bool
	// failMintRequests drops the next n PostMintBolt11 calls before
	// they reach the mint
	failMintRequests int
}

func newFakeMintClient(mints ...*fakeMint) *fakeMintClient {
	c := &fakeMintClient{mints: make(map[string]*fakeMint)}
	for _, mint := range mints {
		c.mints[mint.url] = mint
	}
	return c
}

func (c *fakeMintClient) mint(mintURL string) (*fakeMint, error) {
	mint, ok := c.mints[mintURL]
	if !ok {
		return nil, &ConnectionError{Mint: mintURL, Err: errors.New("no such host")}
	}
	return mint, nil
}

func (c *fakeMintClient) setFailPostMelt(fail bool) {
	c.mu.Lock()
	c.failPostMelt = fail
	c.mu.Unlock()
}

func (c *fakeMintClient) setFailMintResponse(fail bool) {
	c.mu.Lock()
	c.failMintResponse = fail
	c.mu.Unlock()
}

func (c *fakeMintClient) setFailMintRequests(n int) {
	c.mu.Lock()
	c.failMintRequests = n
	c.mu.Unlock()
}

// rotateKeyset retires the mint's active keyset and installs a fresh
// one, like a real mint rotating keys.
func (c *fakeMintClient) rotateKeyset(mintURL string) error {
	fresh, err := newFakeKeyset()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fm, ok := c.mints[mintURL]
	if !ok {
		return errors.New("no such mint")
	}
	fm.retired = append(fm.retired, fm.active)
	fm.active = fresh
	return nil
}

func (c *fakeMintClient) payMintQuote(mintURL, quoteId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if quote, ok := c.mints[mintURL].mintQuotes[quoteId]; ok && quote.state == nut04.Unpaid {
		quote.state = nut04.Paid
	}
}

func (c *fakeMintClient) addMeltQuote(mintURL, quoteId string, amount, feeReserve uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mints[mintURL].meltQuotes[quoteId] = &fakeMeltQuote{
		amount:     amount,
		feeReserve: feeReserve,
		state:      nut05.Unpaid,
	}
}

func (c *fakeMintClient) settleMeltQuote(mintURL, quoteId string, state nut05.State, preimage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	quote := c.mints[mintURL].meltQuotes[quoteId]
	quote.state = state
	quote.preimage = preimage
}

func (c *fakeMintClient) GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.mint(mintURL); err != nil {
		return nil, err
	}
	return &nut06.MintInfo{
		Name: "fake mint",
		Nuts: nut06.Nuts{
			Nut07: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: true},
		},
	}, nil
}

func (c *fakeMintClient) GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fm, err := c.mint(mintURL)
	if err != nil {
		return nil, err
	}
	return &nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{{Id: fm.active.id, Unit: cashu.Sat.String(), Keys: fm.active.hexKeys()}},
	}, nil
}

func (c *fakeMintClient) GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fm, err := c.mint(mintURL)
	if err != nil {
		return nil, err
	}
	keysets := []nut02.Keyset{{
		Id:          fm.active.id,
		Unit:        cashu.Sat.String(),
		Active:      true,
		InputFeePpk: fm.inputFeePpk,
	}}
	for _, ks := range fm.retired {
		keysets = append(keysets, nut02.Keyset{
			Id:          ks.id,
			Unit:        cashu.Sat.String(),
			Active:      false,
			InputFeePpk: fm.inputFeePpk,
		})
	}
	return &nut02.GetKeysetsResponse{Keysets: keysets}, nil
}

func (c *fakeMintClient) GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fm, err := c.mint(mintURL)
	if err != nil {
		return nil, err
	}
	ks := fm.keyset(id)
	if ks == nil {
		return &nut01.GetKeysResponse{}, nil
	}
	return &nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{{Id: ks.id, Unit: cashu.Sat.String(), Keys: ks.hexKeys()}},
	}, nil
}

func (c *fakeMintClient) PostMintQuoteBolt11(ctx context.Context, mintURL string,
	request nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fm, err := c.mint(mintURL)
	if err != nil {
		return nil, err
	}

	fm.quoteCounter++
	quoteId := fmt.Sprintf("mintquote-%d", fm.quoteCounter)
	fm.mintQuotes[quoteId] = &fakeMintQuote{amount: request.Amount, state: nut04.Unpaid}

	return &nut04.PostMintQuoteBolt11Response{
		Quote:   quoteId,
		Request: "lnbcfake" + quoteId,
		State:   nut04.Unpaid,
		Expiry:  uint64(time.Now().Add(fm.quoteExpiry).Unix()),
	}, nil
}

func (c *fakeMintClient) GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (
	*nut04.PostMintQuoteBolt11Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fm, err := c.mint(mintURL)
	if err != nil {
		return nil, err
	}
	quote, ok := fm.mintQuotes[quoteId]
	if !ok {
		return nil, cashu.BuildCashuError("quote not found", cashu.StandardErrCode)
	}
	return &nut04.PostMintQuoteBolt11Response{Quote: quoteId, State: quote.state}, nil
}

func (c *fakeMintClient) PostMintBolt11(ctx context.Context, mintURL string,
	request nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failMintRequests > 0 {
		c.failMintRequests--
		return nil, &ConnectionError{Mint: mintURL, Err: errors.New("connection reset")}
	}
	fm, err := c.mint(mintURL)
	if err != nil {
		return nil, err
	}

	quote, ok := fm.mintQuotes[request.Quote]
	if !ok {
		return nil, cashu.BuildCashuError("quote not found", cashu.StandardErrCode)
	}
	if quote.state == nut04.Issued {
		return nil, cashu.BuildCashuError("quote already issued", cashu.MintQuoteAlreadyIssuedErrCode)
	}
	if quote.state != nut04.Paid {
		return nil, cashu.BuildCashuError("quote not paid", cashu.MintQuoteRequestNotPaidErrCode)
	}
	if request.Outputs.Amount() != quote.amount {
		return nil, cashu.BuildCashuError("amounts do not match quote", cashu.StandardErrCode)
	}

	signatures, err := fm.signBlindedMessages(request.Outputs)
	if err != nil {
		return nil, err
	}
	quote.state = nut04.Issued
	if c.failMintResponse {
		// the mint redeemed the quote but the response never made it
		// back to the wallet
		c.failMintResponse = false
		return nil, &ConnectionError{Mint: mintURL, Err: errors.New("connection reset")}
	}
	return &nut04.PostMintBolt11Response{Signatures: signatures}, nil
}

func (c *fakeMintClient) PostSwap(ctx context.Context, mintURL string, request nut03.PostSwapRequest) (
	*nut03.PostSwapResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fm, err := c.mint(mintURL)
	if err != nil {
		return nil, err
	}

	Ys, err := fm.checkProofs(request.Inputs)
	if err != nil {
		return nil, err
	}
	fee := fm.feeForInputs(request.Inputs)
	if request.Inputs.Amount() != request.Outputs.Amount()+fee {
		return nil, cashu.BuildCashuError("inputs do not match outputs plus fees",
			cashu.InsufficientProofAmountErrCode)
	}

	signatures, err := fm.signBlindedMessages(request.Outputs)
	if err != nil {
		return nil, err
	}
	for _, Y := range Ys {
		fm.spentYs[Y] = true
	}
	return &nut03.PostSwapResponse{Signatures: signatures}, nil
}

func (c *fakeMintClient) PostMeltQuoteBolt11(ctx context.Context, mintURL string,
	request nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	return nil, cashu.BuildCashuError("melt quoting not supported by fake mint", cashu.StandardErrCode)
}

func (c *fakeMintClient) GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fm, err := c.mint(mintURL)
	if err != nil {
		return nil, err
	}
	quote, ok := fm.meltQuotes[quoteId]
	if !ok {
		return nil, cashu.BuildCashuError("quote not found", cashu.StandardErrCode)
	}
	return &nut05.PostMeltQuoteBolt11Response{
		Quote:      quoteId,
		Amount:     quote.amount,
		FeeReserve: quote.feeReserve,
		State:      quote.state,
		Preimage:   quote.preimage,
	}, nil
}

func (c *fakeMintClient) PostMeltBolt11(ctx context.Context, mintURL string,
	request nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPostMelt {
		return nil, &ConnectionError{Mint: mintURL, Err: errors.New("connection reset")}
	}
	fm, err := c.mint(mintURL)
	if err != nil {
		return nil, err
	}

	quote, ok := fm.meltQuotes[request.Quote]
	if !ok {
		return nil, cashu.BuildCashuError("quote not found", cashu.StandardErrCode)
	}
	Ys, err := fm.checkProofs(request.Inputs)
	if err != nil {
		return nil, err
	}
	if request.Inputs.Amount() < quote.amount {
		return nil, cashu.BuildCashuError("insufficient inputs", cashu.InsufficientProofAmountErrCode)
	}

	response := &nut05.PostMeltQuoteBolt11Response{
		Quote:      request.Quote,
		Amount:     quote.amount,
		FeeReserve: quote.feeReserve,
		State:      fm.meltOutcome,
	}
	quote.state = fm.meltOutcome

	if fm.meltOutcome == nut05.Paid {
		for _, Y := range Ys {
			fm.spentYs[Y] = true
		}
		quote.preimage = "fakepreimage"
		response.Preimage = quote.preimage

		changeAmount := request.Inputs.Amount() - quote.amount - fm.lightningFee
		changeAmounts := cashu.AmountSplit(changeAmount)
		if len(changeAmounts) > len(request.Outputs) {
			changeAmounts = changeAmounts[len(changeAmounts)-len(request.Outputs):]
		}
		changeMessages := make(cashu.BlindedMessages, len(changeAmounts))
		for i, amount := range changeAmounts {
			msg := request.Outputs[i]
			msg.Amount = amount
			changeMessages[i] = msg
		}
		change, err := fm.signBlindedMessages(changeMessages)
		if err != nil {
			return nil, err
		}
		if fm.extraChange && len(change) > 0 {
			change = append(change, change[0])
		}
		response.Change = change
	}

	return response, nil
}

func (c *fakeMintClient) PostCheckProofState(ctx context.Context, mintURL string,
	request nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fm, err := c.mint(mintURL)
	if err != nil {
		return nil, err
	}

	states := make([]nut07.ProofState, len(request.Ys))
	for i, Y := range request.Ys {
		state := nut07.Unspent
		if fm.spentYs[Y] {
			state = nut07.Spent
		}
		states[i] = nut07.ProofState{Y: Y, State: state}
	}
	return &nut07.PostCheckStateResponse{States: states}, nil
}

func (c *fakeMintClient) PostRestore(ctx context.Context, mintURL string,
	request nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fm, err := c.mint(mintURL)
	if err != nil {
		return nil, err
	}

	response := &nut09.PostRestoreResponse{}
	for _, output := range request.Outputs {
		if signature, ok := fm.issuedSigs[output.B_]; ok {
			response.Outputs = append(response.Outputs, output)
			response.Signatures = append(response.Signatures, signature)
		}
	}
	return response, nil
}
