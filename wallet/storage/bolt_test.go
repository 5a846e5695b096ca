package storage

import (
	"errors"
	"log"
	"math/rand/v2"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elnosh/nutw/cashu/nuts/nut04"
	"github.com/elnosh/nutw/cashu/nuts/nut05"
)

var (
	db *BoltDB
)

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testdbbolt"
	err := os.MkdirAll(dbpath, 0750)
	if err != nil {
		return 1, err
	}
	db, err = InitBolt(dbpath)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	return m.Run(), nil
}

func TestMintsAndKeysets(t *testing.T) {
	mintURL := "http://localhost:3338"
	mint := Mint{URL: mintURL, Name: "testmint", CreatedAt: time.Now().Unix()}
	if err := db.SaveMint(mint); err != nil {
		t.Fatalf("error saving mint: %v", err)
	}

	mintFromDb, err := db.GetMint(mintURL)
	if err != nil {
		t.Fatalf("error getting mint: %v", err)
	}
	if !reflect.DeepEqual(mint, *mintFromDb) {
		t.Fatal("mint from db does not match saved one")
	}

	if _, err := db.GetMint("http://unknown-mint.com"); !errors.Is(err, ErrMintNotFound) {
		t.Fatalf("expected '%v' but got '%v'", ErrMintNotFound, err)
	}

	keyset := DBKeyset{
		Id:          "00ffd48b8f5ecf80",
		MintURL:     mintURL,
		Unit:        "sat",
		Active:      true,
		InputFeePpk: 100,
	}
	if err := db.SaveKeyset(keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}

	keysets, err := db.GetKeysets(mintURL)
	if err != nil {
		t.Fatalf("error getting keysets: %v", err)
	}
	if len(keysets) != 1 {
		t.Fatalf("expected '%v' keysets but got '%v'", 1, len(keysets))
	}

	if err := db.UpdateKeysetActive(mintURL, keyset.Id, false); err != nil {
		t.Fatalf("error updating keyset: %v", err)
	}
	keysetFromDb, err := db.GetKeyset(mintURL, keyset.Id)
	if err != nil {
		t.Fatalf("error getting keyset: %v", err)
	}
	if keysetFromDb.Active {
		t.Fatal("expected inactive keyset but got active")
	}

	if err := db.DeleteMint(mintURL); err != nil {
		t.Fatalf("error deleting mint: %v", err)
	}
	if _, err := db.GetMint(mintURL); !errors.Is(err, ErrMintNotFound) {
		t.Fatalf("expected '%v' but got '%v'", ErrMintNotFound, err)
	}
	keysets, _ = db.GetKeysets(mintURL)
	if len(keysets) != 0 {
		t.Fatalf("expected no keysets after deleting mint but got '%v'", len(keysets))
	}
}

func TestProofs(t *testing.T) {
	mintURL := "http://localhost:3339"
	keysetId1 := "keysetId12345"
	numProofsKeysetId1 := 50
	randomProofs1 := generateRandomProofs(mintURL, keysetId1, numProofsKeysetId1)

	if err := db.SaveProofs(randomProofs1); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	proofs, err := db.GetProofs(mintURL, Ready)
	if err != nil {
		t.Fatalf("error getting proofs: %v", err)
	}
	if len(proofs) != numProofsKeysetId1 {
		t.Fatalf("expected '%v' proofs from db but got '%v'", numProofsKeysetId1, len(proofs))
	}

	// saving a proof with a secret already stored has to fail without
	// storing anything
	duplicates := generateRandomProofs(mintURL, keysetId1, 5)
	duplicates[3].Secret = randomProofs1[0].Secret
	err = db.SaveProofs(duplicates)
	var dupErr *DuplicateProofError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected duplicate proof error but got '%v'", err)
	}
	if dupErr.Secret != randomProofs1[0].Secret {
		t.Fatalf("expected duplicate secret '%v' but got '%v'", randomProofs1[0].Secret, dupErr.Secret)
	}
	proofs, _ = db.GetProofs(mintURL, Ready)
	if len(proofs) != numProofsKeysetId1 {
		t.Fatalf("expected '%v' proofs after failed save but got '%v'", numProofsKeysetId1, len(proofs))
	}

	keysetId2 := "someotherKeysetId123"
	numProofsKeysetId2 := 100
	randomProofs2 := generateRandomProofs(mintURL, keysetId2, numProofsKeysetId2)

	if err := db.SaveProofs(randomProofs2); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	proofsById, err := db.GetProofsByKeyset(mintURL, keysetId1, Ready)
	if err != nil {
		t.Fatalf("error getting proofs by keyset: %v", err)
	}
	if len(proofsById) != numProofsKeysetId1 {
		t.Fatalf("expected '%v' proofs from db for keyset '%v' but got '%v'",
			numProofsKeysetId1, keysetId1, len(proofsById))
	}

	sortDBProofs(randomProofs1)
	sortDBProofs(proofsById)
	if !reflect.DeepEqual(randomProofs1, proofsById) {
		t.Fatal("proofs from db do not match randomly generated ones saved to db")
	}

	// mark some proofs inflight and check they no longer show as ready
	numInflight := 3
	inflightSecrets := make([]string, numInflight)
	for i := 0; i < numInflight; i++ {
		inflightSecrets[i] = randomProofs1[i].Secret
	}
	if err := db.UpdateProofsState(mintURL, inflightSecrets, Inflight); err != nil {
		t.Fatalf("error updating proofs state: %v", err)
	}

	proofsById, _ = db.GetProofsByKeyset(mintURL, keysetId1, Ready)
	expectedNumProofs := numProofsKeysetId1 - numInflight
	if len(proofsById) != expectedNumProofs {
		t.Fatalf("expected '%v' ready proofs for keyset '%v' but got '%v'",
			expectedNumProofs, keysetId1, len(proofsById))
	}
	inflightProofs, _ := db.GetProofs(mintURL, Inflight)
	if len(inflightProofs) != numInflight {
		t.Fatalf("expected '%v' inflight proofs but got '%v'", numInflight, len(inflightProofs))
	}

	// updating a list with an unknown secret changes nothing
	badSecrets := []string{randomProofs1[5].Secret, "non-existent-secret"}
	if err := db.UpdateProofsState(mintURL, badSecrets, Spent); !errors.Is(err, ErrProofNotFound) {
		t.Fatalf("expected '%v' but got '%v'", ErrProofNotFound, err)
	}

	// reserve proofs for a melt quote and read them back by quote id
	quoteId := "meltQuoteId12345"
	reserveSecrets := []string{randomProofs2[0].Secret, randomProofs2[1].Secret}
	if err := db.ReserveProofsForMelt(mintURL, reserveSecrets, quoteId); err != nil {
		t.Fatalf("error reserving proofs for melt: %v", err)
	}
	proofsByQuote, err := db.GetProofsByMeltQuote(mintURL, quoteId)
	if err != nil {
		t.Fatalf("error getting proofs by melt quote: %v", err)
	}
	if len(proofsByQuote) != len(reserveSecrets) {
		t.Fatalf("expected '%v' proofs for melt quote but got '%v'",
			len(reserveSecrets), len(proofsByQuote))
	}
	for _, proof := range proofsByQuote {
		if proof.State != Inflight {
			t.Fatalf("expected inflight proof for melt quote but got state '%v'", proof.State)
		}
	}

	// delete proofs from db and check correct response
	numToDelete := 3
	deleteSecrets := make([]string, numToDelete)
	for i := 0; i < numToDelete; i++ {
		deleteSecrets[i] = randomProofs2[10+i].Secret
	}
	if err := db.DeleteProofs(mintURL, deleteSecrets); err != nil {
		t.Fatalf("error deleting proofs: %v", err)
	}

	proofsById, _ = db.GetProofsByKeyset(mintURL, keysetId2, Ready)
	expectedNumProofs = numProofsKeysetId2 - len(reserveSecrets) - numToDelete
	if len(proofsById) != expectedNumProofs {
		t.Fatalf("expected '%v' proofs from db for keyset '%v' but got '%v'",
			expectedNumProofs, keysetId2, len(proofsById))
	}
}

func TestCounters(t *testing.T) {
	mintURL := "http://localhost:3340"
	keysetId := "counterKeysetId1"

	counter, err := db.GetCounter(mintURL, keysetId)
	if err != nil {
		t.Fatalf("error getting counter: %v", err)
	}
	if counter != 0 {
		t.Fatalf("expected counter '%v' but got '%v'", 0, counter)
	}

	start, err := db.ReserveCounterValues(mintURL, keysetId, 5)
	if err != nil {
		t.Fatalf("error reserving counter values: %v", err)
	}
	if start != 0 {
		t.Fatalf("expected reserved range to start at '%v' but got '%v'", 0, start)
	}

	start, err = db.ReserveCounterValues(mintURL, keysetId, 3)
	if err != nil {
		t.Fatalf("error reserving counter values: %v", err)
	}
	if start != 5 {
		t.Fatalf("expected reserved range to start at '%v' but got '%v'", 5, start)
	}

	counter, _ = db.GetCounter(mintURL, keysetId)
	if counter != 8 {
		t.Fatalf("expected counter '%v' but got '%v'", 8, counter)
	}

	// concurrent reservations have to hand out disjoint ranges
	numReservations := 20
	countPerReservation := uint32(4)
	starts := make([]uint32, numReservations)
	var wg sync.WaitGroup
	for i := 0; i < numReservations; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start, err := db.ReserveCounterValues(mintURL, keysetId, countPerReservation)
			if err != nil {
				t.Errorf("error reserving counter values: %v", err)
				return
			}
			starts[i] = start
		}(i)
	}
	wg.Wait()

	slices.Sort(starts)
	for i := 1; i < numReservations; i++ {
		if starts[i] != starts[i-1]+countPerReservation {
			t.Fatalf("expected disjoint consecutive ranges but got starts '%v' and '%v'",
				starts[i-1], starts[i])
		}
	}

	if err := db.SetCounter(mintURL, keysetId, 100); err != nil {
		t.Fatalf("error setting counter: %v", err)
	}
	counter, _ = db.GetCounter(mintURL, keysetId)
	if counter != 100 {
		t.Fatalf("expected counter '%v' but got '%v'", 100, counter)
	}
}

func TestMintQuotes(t *testing.T) {
	mintURL := "http://localhost:3341"
	quoteId := "quoteId1"
	mintQuote := generateMintQuote(mintURL, quoteId)
	if err := db.SaveMintQuote(mintQuote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}

	mintQuotes := generateRandomMintQuotes(mintURL, 50)
	for _, quote := range mintQuotes {
		if err := db.SaveMintQuote(quote); err != nil {
			t.Fatalf("error saving mint quote: %v", err)
		}
	}

	// find quote by id
	quoteById, err := db.GetMintQuote(mintURL, quoteId)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if !reflect.DeepEqual(mintQuote, *quoteById) {
		t.Fatal("mint quote from db does not match generated one")
	}

	quotesFromDb, err := db.GetMintQuotes(mintURL)
	if err != nil {
		t.Fatalf("error getting mint quotes: %v", err)
	}
	expectedNumQuotes := 51
	if len(quotesFromDb) != expectedNumQuotes {
		t.Fatalf("expected '%v' mint quotes but got '%v' ", expectedNumQuotes, len(quotesFromDb))
	}

	if err := db.UpdateMintQuoteState(mintURL, quoteId, nut04.Paid); err != nil {
		t.Fatalf("error updating mint quote state: %v", err)
	}
	quoteById, _ = db.GetMintQuote(mintURL, quoteId)
	if quoteById.State != nut04.Paid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Paid, quoteById.State)
	}

	paidQuotes, err := db.GetMintQuotesByState(nut04.Paid)
	if err != nil {
		t.Fatalf("error getting mint quotes by state: %v", err)
	}
	if len(paidQuotes) != 1 {
		t.Fatalf("expected '%v' paid mint quotes but got '%v'", 1, len(paidQuotes))
	}
	if paidQuotes[0].QuoteId != quoteId {
		t.Fatalf("expected paid quote '%v' but got '%v'", quoteId, paidQuotes[0].QuoteId)
	}

	if err := db.UpdateMintQuoteState(mintURL, "unknown-quote", nut04.Paid); !errors.Is(err, ErrQuoteNotFound) {
		t.Fatalf("expected '%v' but got '%v'", ErrQuoteNotFound, err)
	}
}

func TestMeltQuotes(t *testing.T) {
	mintURL := "http://localhost:3342"
	quoteId := "quoteId1"
	quote := generateMeltQuote(mintURL, quoteId)
	if err := db.SaveMeltQuote(quote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}

	quotes := generateRandomMeltQuotes(mintURL, 50)
	for _, quote := range quotes {
		if err := db.SaveMeltQuote(quote); err != nil {
			t.Fatalf("error saving melt quote: %v", err)
		}
	}

	// find quote by id
	quoteById, err := db.GetMeltQuote(mintURL, quoteId)
	if err != nil {
		t.Fatalf("error getting melt quote: %v", err)
	}
	if !reflect.DeepEqual(quote, *quoteById) {
		t.Fatal("melt quote from db does not match generated one")
	}

	preimage := "preimage12345"
	if err := db.UpdateMeltQuote(mintURL, quoteId, preimage, nut05.Paid); err != nil {
		t.Fatalf("error updating melt quote: %v", err)
	}
	quoteById, _ = db.GetMeltQuote(mintURL, quoteId)
	if quoteById.State != nut05.Paid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut05.Paid, quoteById.State)
	}
	if quoteById.Preimage != preimage {
		t.Fatalf("expected preimage '%v' but got '%v'", preimage, quoteById.Preimage)
	}

	pendingQuote := generateMeltQuote(mintURL, "pendingQuoteId")
	pendingQuote.State = nut05.Pending
	if err := db.SaveMeltQuote(pendingQuote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}
	pendingQuotes, err := db.GetMeltQuotesByState(nut05.Pending)
	if err != nil {
		t.Fatalf("error getting melt quotes by state: %v", err)
	}
	if len(pendingQuotes) != 1 {
		t.Fatalf("expected '%v' pending melt quotes but got '%v'", 1, len(pendingQuotes))
	}
}

func TestHistory(t *testing.T) {
	mintURL := "http://localhost:3343"
	otherMint := "http://localhost:3344"

	numEntries := 20
	for i := 0; i < numEntries; i++ {
		mint := mintURL
		if i%4 == 0 {
			mint = otherMint
		}
		entry := HistoryEntry{
			Type:      HistorySend,
			Mint:      mint,
			Unit:      "sat",
			Amount:    uint64(i + 1),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second).UnixNano(),
		}
		if err := db.SaveHistoryEntry(entry); err != nil {
			t.Fatalf("error saving history entry: %v", err)
		}
	}

	// entries come back newest first
	entries, err := db.GetHistory(5, 0)
	if err != nil {
		t.Fatalf("error getting history: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected '%v' history entries but got '%v'", 5, len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt > entries[i-1].CreatedAt {
			t.Fatal("expected history entries ordered newest first")
		}
	}
	if entries[0].Amount != uint64(numEntries) {
		t.Fatalf("expected newest entry with amount '%v' but got '%v'",
			numEntries, entries[0].Amount)
	}

	// offset continues where the previous page stopped
	nextPage, err := db.GetHistory(5, 5)
	if err != nil {
		t.Fatalf("error getting history: %v", err)
	}
	if len(nextPage) != 5 {
		t.Fatalf("expected '%v' history entries but got '%v'", 5, len(nextPage))
	}
	if nextPage[0].CreatedAt >= entries[len(entries)-1].CreatedAt {
		t.Fatal("expected second page to be older than first page")
	}

	entriesByMint, err := db.GetHistoryByMint(otherMint, 100, 0)
	if err != nil {
		t.Fatalf("error getting history by mint: %v", err)
	}
	if len(entriesByMint) != 5 {
		t.Fatalf("expected '%v' history entries for mint but got '%v'", 5, len(entriesByMint))
	}

	// mint entries are reachable by quote id and updatable in place
	quoteId := "historyQuoteId1"
	mintEntry := HistoryEntry{
		Type:       HistoryMint,
		Mint:       mintURL,
		Unit:       "sat",
		Amount:     21,
		CreatedAt:  time.Now().UnixNano(),
		QuoteId:    quoteId,
		QuoteState: nut04.Unpaid.String(),
	}
	if err := db.SaveHistoryEntry(mintEntry); err != nil {
		t.Fatalf("error saving history entry: %v", err)
	}

	quoteEntry, err := db.GetQuoteHistoryEntry(mintURL, quoteId, HistoryMint)
	if err != nil {
		t.Fatalf("error getting history entry by quote: %v", err)
	}
	if quoteEntry.QuoteState != nut04.Unpaid.String() {
		t.Fatalf("expected quote state '%v' but got '%v'",
			nut04.Unpaid.String(), quoteEntry.QuoteState)
	}

	if err := db.UpdateQuoteHistoryState(mintURL, quoteId, HistoryMint, nut04.Issued.String()); err != nil {
		t.Fatalf("error updating history entry: %v", err)
	}
	updated, _ := db.GetQuoteHistoryEntry(mintURL, quoteId, HistoryMint)
	if updated.QuoteState != nut04.Issued.String() {
		t.Fatalf("expected quote state '%v' but got '%v'",
			nut04.Issued.String(), updated.QuoteState)
	}
	if updated.CreatedAt != quoteEntry.CreatedAt {
		t.Fatal("expected history entry creation time to stay the same after update")
	}

	if _, err := db.GetQuoteHistoryEntry(mintURL, "unknown-quote", HistoryMint); !errors.Is(err, ErrHistoryNotFound) {
		t.Fatalf("expected '%v' but got '%v'", ErrHistoryNotFound, err)
	}
}

func TestMnemonicSeed(t *testing.T) {
	if _, err := db.GetMnemonic(); !errors.Is(err, ErrMnemonicNotExists) {
		t.Fatalf("expected '%v' but got '%v'", ErrMnemonicNotExists, err)
	}

	mnemonic := "range jealous shop hollow noble observe mad mobile tower note dynamic crunch"
	seed := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		t.Fatalf("error saving mnemonic: %v", err)
	}

	mnemonicFromDb, err := db.GetMnemonic()
	if err != nil {
		t.Fatalf("error getting mnemonic: %v", err)
	}
	if mnemonicFromDb != mnemonic {
		t.Fatalf("expected mnemonic '%v' but got '%v'", mnemonic, mnemonicFromDb)
	}
	seedFromDb, err := db.GetSeed()
	if err != nil {
		t.Fatalf("error getting seed: %v", err)
	}
	if !reflect.DeepEqual(seed, seedFromDb) {
		t.Fatal("seed from db does not match saved one")
	}
}

func TestCompleteSwap(t *testing.T) {
	mintURL := "http://localhost:3345"
	keysetId := "swapKeysetId1"

	inputs := generateRandomProofs(mintURL, keysetId, 4)
	if err := db.SaveProofs(inputs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}
	spentSecrets := make([]string, len(inputs))
	for i, proof := range inputs {
		spentSecrets[i] = proof.Secret
	}

	newProofs := generateRandomProofs(mintURL, keysetId, 3)
	entry := HistoryEntry{
		Type:      HistorySend,
		Mint:      mintURL,
		Unit:      "sat",
		Amount:    21,
		CreatedAt: time.Now().UnixNano(),
	}
	if err := db.CompleteSwap(mintURL, spentSecrets, newProofs, entry); err != nil {
		t.Fatalf("error completing swap: %v", err)
	}

	readyProofs, _ := db.GetProofs(mintURL, Ready)
	if len(readyProofs) != len(newProofs) {
		t.Fatalf("expected '%v' ready proofs after swap but got '%v'",
			len(newProofs), len(readyProofs))
	}
	spentProofs, _ := db.GetProofs(mintURL, Spent)
	if len(spentProofs) != len(inputs) {
		t.Fatalf("expected '%v' spent proofs after swap but got '%v'",
			len(inputs), len(spentProofs))
	}
	entries, _ := db.GetHistoryByMint(mintURL, 10, 0)
	if len(entries) != 1 {
		t.Fatalf("expected '%v' history entry after swap but got '%v'", 1, len(entries))
	}

	// a failing swap commit must not change anything: reuse an already
	// stored secret in the new proofs
	moreInputs := generateRandomProofs(mintURL, keysetId, 2)
	if err := db.SaveProofs(moreInputs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}
	badProofs := generateRandomProofs(mintURL, keysetId, 2)
	badProofs[1].Secret = newProofs[0].Secret

	err := db.CompleteSwap(mintURL, []string{moreInputs[0].Secret, moreInputs[1].Secret}, badProofs, entry)
	var dupErr *DuplicateProofError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected duplicate proof error but got '%v'", err)
	}
	readyAfter, _ := db.GetProofs(mintURL, Ready)
	if len(readyAfter) != len(newProofs)+len(moreInputs) {
		t.Fatalf("expected '%v' ready proofs after failed swap but got '%v'",
			len(newProofs)+len(moreInputs), len(readyAfter))
	}
	entries, _ = db.GetHistoryByMint(mintURL, 10, 0)
	if len(entries) != 1 {
		t.Fatalf("expected '%v' history entry after failed swap but got '%v'", 1, len(entries))
	}
}

func TestCompleteAndRevertMeltQuote(t *testing.T) {
	mintURL := "http://localhost:3346"
	keysetId := "meltKeysetId1"
	quoteId := "meltQuoteToComplete"

	proofs := generateRandomProofs(mintURL, keysetId, 5)
	if err := db.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}
	quote := generateMeltQuote(mintURL, quoteId)
	quote.State = nut05.Pending
	if err := db.SaveMeltQuote(quote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}
	entry := HistoryEntry{
		Type:       HistoryMelt,
		Mint:       mintURL,
		Unit:       "sat",
		Amount:     quote.Amount,
		CreatedAt:  time.Now().UnixNano(),
		QuoteId:    quoteId,
		QuoteState: nut05.Pending.String(),
	}
	if err := db.SaveHistoryEntry(entry); err != nil {
		t.Fatalf("error saving history entry: %v", err)
	}

	reserveSecrets := []string{proofs[0].Secret, proofs[1].Secret, proofs[2].Secret}
	if err := db.ReserveProofsForMelt(mintURL, reserveSecrets, quoteId); err != nil {
		t.Fatalf("error reserving proofs for melt: %v", err)
	}

	// revert puts reserved proofs back and resets the quote
	if err := db.RevertMeltQuote(mintURL, quoteId); err != nil {
		t.Fatalf("error reverting melt quote: %v", err)
	}
	readyProofs, _ := db.GetProofs(mintURL, Ready)
	if len(readyProofs) != len(proofs) {
		t.Fatalf("expected '%v' ready proofs after revert but got '%v'",
			len(proofs), len(readyProofs))
	}
	quoteFromDb, _ := db.GetMeltQuote(mintURL, quoteId)
	if quoteFromDb.State != nut05.Unpaid {
		t.Fatalf("expected quote state '%v' after revert but got '%v'",
			nut05.Unpaid, quoteFromDb.State)
	}
	reservedAfter, _ := db.GetProofsByMeltQuote(mintURL, quoteId)
	if len(reservedAfter) != 0 {
		t.Fatalf("expected no proofs tied to quote after revert but got '%v'", len(reservedAfter))
	}

	// reserve again and complete the melt with change
	if err := db.ReserveProofsForMelt(mintURL, reserveSecrets, quoteId); err != nil {
		t.Fatalf("error reserving proofs for melt: %v", err)
	}
	change := generateRandomProofs(mintURL, keysetId, 1)
	preimage := "meltpreimage1"
	if err := db.CompleteMeltQuote(mintURL, quoteId, preimage, change); err != nil {
		t.Fatalf("error completing melt quote: %v", err)
	}

	spentProofs, _ := db.GetProofs(mintURL, Spent)
	if len(spentProofs) != len(reserveSecrets) {
		t.Fatalf("expected '%v' spent proofs after melt but got '%v'",
			len(reserveSecrets), len(spentProofs))
	}
	readyProofs, _ = db.GetProofs(mintURL, Ready)
	expectedReady := len(proofs) - len(reserveSecrets) + len(change)
	if len(readyProofs) != expectedReady {
		t.Fatalf("expected '%v' ready proofs after melt but got '%v'",
			expectedReady, len(readyProofs))
	}
	quoteFromDb, _ = db.GetMeltQuote(mintURL, quoteId)
	if quoteFromDb.State != nut05.Paid {
		t.Fatalf("expected quote state '%v' after melt but got '%v'", nut05.Paid, quoteFromDb.State)
	}
	if quoteFromDb.Preimage != preimage {
		t.Fatalf("expected preimage '%v' but got '%v'", preimage, quoteFromDb.Preimage)
	}
	historyEntry, err := db.GetQuoteHistoryEntry(mintURL, quoteId, HistoryMelt)
	if err != nil {
		t.Fatalf("error getting history entry by quote: %v", err)
	}
	if historyEntry.QuoteState != nut05.Paid.String() {
		t.Fatalf("expected history quote state '%v' but got '%v'",
			nut05.Paid.String(), historyEntry.QuoteState)
	}
}

func TestSwapReservation(t *testing.T) {
	mintURL := "http://localhost:3347"
	proofs := generateRandomProofs(mintURL, "swapKeysetId1", 5)
	if err := db.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	reserved := []string{proofs[0].Secret, proofs[1].Secret, proofs[2].Secret}
	if err := db.ReserveProofsForSwap(mintURL, reserved); err != nil {
		t.Fatalf("error reserving proofs for swap: %v", err)
	}

	inflight, err := db.GetProofs(mintURL, Inflight)
	if err != nil {
		t.Fatalf("error getting proofs: %v", err)
	}
	if len(inflight) != len(reserved) {
		t.Fatalf("expected '%v' inflight proofs but got '%v'", len(reserved), len(inflight))
	}
	for _, proof := range inflight {
		if proof.ReservedAt == 0 {
			t.Fatal("expected reserved proof to carry a reservation time")
		}
	}

	// leaving the inflight state ends the reservation
	if err := db.UpdateProofsState(mintURL, reserved[:2], Ready); err != nil {
		t.Fatalf("error updating proofs state: %v", err)
	}
	if err := db.UpdateProofsState(mintURL, reserved[2:], Spent); err != nil {
		t.Fatalf("error updating proofs state: %v", err)
	}
	for _, state := range []ProofState{Ready, Spent} {
		proofsByState, err := db.GetProofs(mintURL, state)
		if err != nil {
			t.Fatalf("error getting proofs: %v", err)
		}
		for _, proof := range proofsByState {
			if proof.ReservedAt != 0 {
				t.Fatalf("expected no reservation time on proof in state '%v' but got '%v'",
					state, proof.ReservedAt)
			}
		}
	}
}

func TestMintQuoteOutputs(t *testing.T) {
	mintURL := "http://localhost:3348"
	quoteId := "quoteWithOutputs"
	quote := generateMintQuote(mintURL, quoteId)
	if err := db.SaveMintQuote(quote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}

	keysetId := "00ffd48b8f5ecf80"
	if err := db.SetMintQuoteOutputs(mintURL, quoteId, keysetId, 21); err != nil {
		t.Fatalf("error setting mint quote outputs: %v", err)
	}

	quoteById, err := db.GetMintQuote(mintURL, quoteId)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if quoteById.KeysetId != keysetId {
		t.Fatalf("expected quote keyset '%v' but got '%v'", keysetId, quoteById.KeysetId)
	}
	if quoteById.Counter != 21 {
		t.Fatalf("expected quote counter '%v' but got '%v'", 21, quoteById.Counter)
	}

	if err := db.SetMintQuoteOutputs(mintURL, "unknown-quote", keysetId, 0); !errors.Is(err, ErrQuoteNotFound) {
		t.Fatalf("expected '%v' but got '%v'", ErrQuoteNotFound, err)
	}
}

func generateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

func generateRandomProofs(mintURL, keysetId string, num int) []DBProof {
	proofs := make([]DBProof, num)

	for i := 0; i < num; i++ {
		proof := DBProof{
			Amount:  21,
			Id:      keysetId,
			Secret:  generateRandomString(64),
			C:       generateRandomString(64),
			MintURL: mintURL,
			State:   Ready,
		}
		proofs[i] = proof
	}

	return proofs
}

func sortDBProofs(proofs []DBProof) {
	slices.SortFunc(proofs, func(a, b DBProof) int {
		return strings.Compare(a.Secret, b.Secret)
	})
}

func generateMintQuote(mintURL, id string) MintQuote {
	return MintQuote{
		QuoteId: id,
		Mint:    mintURL,
		Method:  "bolt11",
		State:   nut04.Unpaid,
		Amount:  21,
	}
}

func generateRandomMintQuotes(mintURL string, num int) []MintQuote {
	quotes := make([]MintQuote, num)
	for i := 0; i < num; i++ {
		id := generateRandomString(32)
		quote := generateMintQuote(mintURL, id)
		quotes[i] = quote
	}
	return quotes
}

func generateMeltQuote(mintURL, id string) MeltQuote {
	return MeltQuote{
		QuoteId: id,
		Mint:    mintURL,
		Method:  "bolt11",
		State:   nut05.Unpaid,
		Amount:  21,
	}
}

func generateRandomMeltQuotes(mintURL string, num int) []MeltQuote {
	quotes := make([]MeltQuote, num)
	for i := 0; i < num; i++ {
		id := generateRandomString(32)
		quote := generateMeltQuote(mintURL, id)
		quotes[i] = quote
	}
	return quotes
}
