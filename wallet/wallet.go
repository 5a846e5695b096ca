// Package wallet implements the transactional core of an embedded
// Cashu wallet: mint bookkeeping, quote lifecycles, proof storage and
// the operations that move ecash in and out.
package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutw/cashu"
	"github.com/elnosh/nutw/cashu/nuts/nut03"
	"github.com/elnosh/nutw/cashu/nuts/nut04"
	"github.com/elnosh/nutw/cashu/nuts/nut05"
	"github.com/elnosh/nutw/cashu/nuts/nut09"
	"github.com/elnosh/nutw/cashu/nuts/nut13"
	"github.com/elnosh/nutw/crypto"
	"github.com/elnosh/nutw/wallet/pubsub"
	"github.com/elnosh/nutw/wallet/storage"
	"github.com/elnosh/nutw/wallet/storage/sqlite"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/tyler-smith/go-bip39"
)

type Config struct {
	WalletPath string
	// DBEngine selects the storage engine: "bolt" (default) or "sqlite".
	DBEngine string
	// Client to talk to mints. Defaults to the HTTP client.
	Client MintClient
	Logger *slog.Logger
	// Unit is the currency unit of the wallet. Defaults to "sat".
	Unit string
	// QuoteWatchInterval is how often pending quotes and inflight
	// proofs are checked against the mints. Defaults to 5s.
	QuoteWatchInterval time.Duration
}

type walletMint struct {
	mintURL         string
	activeKeyset    crypto.WalletKeyset
	inactiveKeysets map[string]crypto.WalletKeyset
}

// Manager is the wallet. All operations on it are safe for concurrent
// use; operations that select and consume proofs of the same mint are
// serialized on a per-mint lock.
type Manager struct {
	db     storage.WalletDB
	client MintClient
	logger *slog.Logger
	unit   cashu.Unit

	masterKey *hdkeychain.ExtendedKey

	mu        sync.Mutex
	mints     map[string]*walletMint
	mintLocks map[string]*sync.Mutex

	events         *pubsub.PubSub
	quoteWatcher   *MintQuoteWatcher
	quoteProcessor *MintQuoteProcessor
	proofWatcher   *ProofStateWatcher
	cancel         context.CancelFunc
}

// LoadWallet opens (or creates) the wallet at config.WalletPath and
// starts the background watchers. Callers must call Shutdown when done.
func LoadWallet(config Config) (*Manager, error) {
	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, fmt.Errorf("could not create wallet directory: %v", err)
	}

	db, err := initStorage(config.WalletPath, config.DBEngine)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := config.Client
	if client == nil {
		client = NewMintClient()
	}
	interval := config.QuoteWatchInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	unit := cashu.Sat
	if config.Unit != "" {
		unit, err = cashu.StringToUnit(config.Unit)
		if err != nil {
			return nil, err
		}
	}

	m := &Manager{
		db:        db,
		client:    client,
		logger:    logger,
		unit:      unit,
		mints:     make(map[string]*walletMint),
		mintLocks: make(map[string]*sync.Mutex),
		events:    pubsub.NewPubSub(),
	}

	if err := m.initMasterKey(); err != nil {
		return nil, err
	}
	if err := m.loadKnownMints(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.quoteWatcher = NewMintQuoteWatcher(db, client, m.events, logger, interval)
	m.quoteProcessor = NewMintQuoteProcessor(db, m.events, logger, m.redeemQuote, interval)
	m.proofWatcher = NewProofStateWatcher(db, client, logger, interval)
	m.quoteWatcher.Start(ctx)
	m.quoteProcessor.Start(ctx)
	m.proofWatcher.Start(ctx)

	return m, nil
}

func initStorage(path, engine string) (storage.WalletDB, error) {
	switch engine {
	case "", "bolt":
		return storage.InitBolt(path)
	case "sqlite":
		return sqlite.InitSQLite(path)
	default:
		return nil, fmt.Errorf("unknown storage engine '%v'", engine)
	}
}

func (m *Manager) initMasterKey() error {
	seed, err := m.db.GetSeed()
	if errors.Is(err, storage.ErrMnemonicNotExists) {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return err
		}
		seed = bip39.NewSeed(mnemonic, "")
		if err := m.db.SaveMnemonicSeed(mnemonic, seed); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return err
	}
	m.masterKey = masterKey
	return nil
}

func (m *Manager) loadKnownMints() error {
	mints, err := m.db.GetMints()
	if err != nil {
		return err
	}

	for _, mint := range mints {
		keysets, err := m.db.GetKeysets(mint.URL)
		if err != nil {
			return err
		}

		wm := &walletMint{
			mintURL:         mint.URL,
			inactiveKeysets: make(map[string]crypto.WalletKeyset),
		}
		for _, keyset := range keysets {
			walletKeyset, err := toWalletKeyset(keyset)
			if err != nil {
				return err
			}
			if keyset.Active {
				wm.activeKeyset = *walletKeyset
			} else {
				wm.inactiveKeysets[keyset.Id] = *walletKeyset
			}
		}
		m.mints[mint.URL] = wm
	}
	return nil
}

// Shutdown stops the watchers and closes the db.
func (m *Manager) Shutdown() error {
	m.cancel()
	m.quoteWatcher.Wait()
	m.quoteProcessor.Wait()
	m.proofWatcher.Wait()
	return m.db.Close()
}

// Mnemonic returns the wallet's recovery mnemonic.
func (m *Manager) Mnemonic() (string, error) {
	mnemonic, err := m.db.GetMnemonic()
	if errors.Is(err, storage.ErrMnemonicNotExists) {
		return "", ErrMnemonicNotExist
	}
	return mnemonic, err
}

func (m *Manager) mintLock(mintURL string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.mintLocks[mintURL]
	if !ok {
		lock = new(sync.Mutex)
		m.mintLocks[mintURL] = lock
	}
	return lock
}

func (m *Manager) getWalletMint(mintURL string) (*walletMint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mint, ok := m.mints[mintURL]
	return mint, ok
}

// mintSnapshot copies a mint's in-memory keyset view so callers can
// read it without racing a keyset rotation, which rewrites both the
// active keyset and the inactive map under m.mu.
func (m *Manager) mintSnapshot(mint *walletMint) walletMint {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := walletMint{
		mintURL:         mint.mintURL,
		activeKeyset:    mint.activeKeyset,
		inactiveKeysets: make(map[string]crypto.WalletKeyset, len(mint.inactiveKeysets)),
	}
	for id, keyset := range mint.inactiveKeysets {
		snap.inactiveKeysets[id] = keyset
	}
	return snap
}

func normalizeMintURL(mintURL string) string {
	return strings.TrimSuffix(mintURL, "/")
}

// AddMint makes the mint known to the wallet: fetches its info and
// keysets and persists them. Adding an already known mint refreshes its
// keysets.
func (m *Manager) AddMint(ctx context.Context, mintURL string) (*storage.Mint, error) {
	mintURL = normalizeMintURL(mintURL)

	mintInfo, err := m.client.GetMintInfo(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	wm, err := m.fetchMintKeysets(ctx, mintURL)
	if err != nil {
		return nil, err
	}

	infoBytes, err := json.Marshal(mintInfo)
	if err != nil {
		return nil, fmt.Errorf("invalid mint info: %v", err)
	}
	now := time.Now().Unix()
	mint := storage.Mint{
		URL:       mintURL,
		Name:      mintInfo.Name,
		MintInfo:  infoBytes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.db.SaveMint(mint); err != nil {
		return nil, err
	}
	if err := m.saveMintKeysets(wm); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.mints[mintURL] = wm
	m.mu.Unlock()

	m.logger.Info("added mint", slog.String("mint", mintURL),
		slog.String("active_keyset", wm.activeKeyset.Id))
	return &mint, nil
}

// RemoveMint forgets a mint. It refuses if the mint still holds a
// spendable balance.
func (m *Manager) RemoveMint(mintURL string) error {
	mintURL = normalizeMintURL(mintURL)
	if _, ok := m.getWalletMint(mintURL); !ok {
		return ErrMintNotExist
	}

	lock := m.mintLock(mintURL)
	lock.Lock()
	defer lock.Unlock()

	proofs, err := m.db.GetProofs(mintURL, storage.Ready)
	if err != nil {
		return err
	}
	if len(proofs) > 0 {
		return ErrMintBalanceExists
	}

	if err := m.db.DeleteMint(mintURL); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.mints, mintURL)
	m.mu.Unlock()
	return nil
}

// TrustedMints returns the urls of the mints known to the wallet.
func (m *Manager) TrustedMints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	mints := make([]string, 0, len(m.mints))
	for mintURL := range m.mints {
		mints = append(mints, mintURL)
	}
	slices.Sort(mints)
	return mints
}

// GetBalance returns the total spendable balance across all mints.
func (m *Manager) GetBalance() (uint64, error) {
	proofs, err := m.db.GetAllProofs(storage.Ready)
	if err != nil {
		return 0, err
	}
	var balance uint64
	for _, proof := range proofs {
		balance += proof.Amount
	}
	return balance, nil
}

// GetBalanceByMints returns the spendable balance of each known mint.
func (m *Manager) GetBalanceByMints() (map[string]uint64, error) {
	balances := make(map[string]uint64)
	for _, mintURL := range m.TrustedMints() {
		proofs, err := m.db.GetProofs(mintURL, storage.Ready)
		if err != nil {
			return nil, err
		}
		var balance uint64
		for _, proof := range proofs {
			balance += proof.Amount
		}
		balances[mintURL] = balance
	}
	return balances, nil
}

// RequestMint requests a quote to mint amount from the mint. The
// returned quote carries the bolt11 invoice to pay. Once the watcher
// sees the invoice paid the ecash is redeemed automatically.
func (m *Manager) RequestMint(ctx context.Context, mintURL string, amount uint64) (*storage.MintQuote, error) {
	mintURL = normalizeMintURL(mintURL)
	if _, ok := m.getWalletMint(mintURL); !ok {
		return nil, ErrMintNotExist
	}

	quoteRes, err := m.client.PostMintQuoteBolt11(ctx, mintURL, nut04.PostMintQuoteBolt11Request{
		Amount: amount,
		Unit:   m.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	quote := storage.MintQuote{
		QuoteId:        quoteRes.Quote,
		Mint:           mintURL,
		Method:         cashu.BOLT11_METHOD,
		State:          nut04.Unpaid,
		Unit:           m.unit.String(),
		PaymentRequest: quoteRes.Request,
		Amount:         amount,
		Expiry:         quoteRes.Expiry,
		CreatedAt:      time.Now().Unix(),
	}
	if err := m.db.SaveMintQuote(quote); err != nil {
		return nil, err
	}
	entry := storage.HistoryEntry{
		Type:       storage.HistoryMint,
		Mint:       mintURL,
		Unit:       m.unit.String(),
		Amount:     amount,
		CreatedAt:  time.Now().UnixNano(),
		QuoteId:    quote.QuoteId,
		QuoteState: nut04.Unpaid.String(),
	}
	if err := m.db.SaveHistoryEntry(entry); err != nil {
		return nil, err
	}

	m.quoteWatcher.Watch(quote)
	return &quote, nil
}

// GetMintQuote returns the stored state of a mint quote.
func (m *Manager) GetMintQuote(mintURL, quoteId string) (*storage.MintQuote, error) {
	quote, err := m.db.GetMintQuote(normalizeMintURL(mintURL), quoteId)
	if errors.Is(err, storage.ErrQuoteNotFound) {
		return nil, ErrQuoteNotFound
	}
	return quote, err
}

// MintTokens redeems the ecash for a paid mint quote. It is safe to
// retry: the counter range for the outputs is reserved once and stored
// with the quote, so every attempt sends the same blinded messages. If
// the mint redeemed an earlier attempt whose response was lost, the
// signatures it issued are recovered and turned into proofs.
func (m *Manager) MintTokens(ctx context.Context, mintURL, quoteId string) (uint64, error) {
	mintURL = normalizeMintURL(mintURL)
	mint, ok := m.getWalletMint(mintURL)
	if !ok {
		return 0, ErrMintNotExist
	}

	quote, err := m.db.GetMintQuote(mintURL, quoteId)
	if errors.Is(err, storage.ErrQuoteNotFound) {
		return 0, ErrQuoteNotFound
	}
	if err != nil {
		return 0, err
	}
	if quote.State == nut04.Issued {
		return 0, ErrQuoteAlreadyIssued
	}

	if quote.State == nut04.Unpaid {
		quoteState, err := m.client.GetMintQuoteState(ctx, mintURL, quoteId)
		if err != nil {
			return 0, err
		}
		if quoteState.State == nut04.Issued {
			// already redeemed on the mint side, reflect it locally
			if err := m.db.UpdateMintQuoteState(mintURL, quoteId, nut04.Issued); err != nil {
				return 0, err
			}
			return 0, ErrQuoteAlreadyIssued
		}
		if quoteState.State != nut04.Paid {
			return 0, ErrQuoteNotPaid
		}
		if err := m.db.UpdateMintQuoteState(mintURL, quoteId, nut04.Paid); err != nil {
			return 0, err
		}
	}

	// reserve the output range once; a retry finds it on the quote and
	// replays the exact same outputs
	amounts := cashu.AmountSplit(quote.Amount)
	if quote.KeysetId == "" {
		activeKeyset, err := m.getActiveKeyset(ctx, mint)
		if err != nil {
			return 0, err
		}
		counter, err := m.db.ReserveCounterValues(mintURL, activeKeyset.Id, uint32(len(amounts)))
		if err != nil {
			return 0, err
		}
		if err := m.db.SetMintQuoteOutputs(mintURL, quoteId, activeKeyset.Id, counter); err != nil {
			return 0, err
		}
		quote.KeysetId = activeKeyset.Id
		quote.Counter = counter
	}

	keyset, err := m.keysetKeys(ctx, mint, quote.KeysetId)
	if err != nil {
		return 0, err
	}
	blindedMessages, secrets, rs, err := m.blindMessages(amounts, keyset, quote.Counter)
	if err != nil {
		return 0, err
	}

	mintRes, err := m.client.PostMintBolt11(ctx, mintURL, nut04.PostMintBolt11Request{
		Quote:   quoteId,
		Outputs: blindedMessages,
	})
	if err != nil {
		var cashuErr *cashu.Error
		if errors.As(err, &cashuErr) && cashuErr.Code == cashu.MintQuoteAlreadyIssuedErrCode {
			// an earlier attempt reached the mint but its response was
			// lost. The mint replays the signatures it issued for
			// outputs it has seen, so the ecash is still redeemable.
			return m.recoverIssuedQuote(ctx, mintURL, quoteId, blindedMessages, secrets, rs, keyset)
		}
		return 0, err
	}

	proofs, err := constructProofs(mintRes.Signatures, secrets, rs, keyset)
	if err != nil {
		return 0, err
	}

	dbProofs := toDBProofs(proofs, mintURL, storage.Ready, "")
	if err := m.db.CompleteMintQuote(mintURL, quoteId, dbProofs); err != nil {
		return 0, err
	}

	m.logger.Info("minted ecash", slog.String("mint", mintURL),
		slog.String("quote", quoteId), slog.Uint64("amount", proofs.Amount()))
	return proofs.Amount(), nil
}

// recoverIssuedQuote finishes redeeming a quote the mint reports as
// already issued. The quote's outputs are sent back through restore to
// get the replayed signatures, and the proofs are rebuilt from them.
func (m *Manager) recoverIssuedQuote(ctx context.Context, mintURL, quoteId string,
	blindedMessages cashu.BlindedMessages, secrets []string, rs []*secp256k1.PrivateKey,
	keyset *crypto.WalletKeyset) (uint64, error) {

	restoreRes, err := m.client.PostRestore(ctx, mintURL, nut09.PostRestoreRequest{
		Outputs: blindedMessages,
	})
	if err != nil {
		return 0, err
	}
	if len(restoreRes.Signatures) != len(blindedMessages) ||
		len(restoreRes.Outputs) != len(restoreRes.Signatures) {
		return 0, &InvalidResponseError{
			Mint: mintURL,
			Err:  fmt.Errorf("quote '%v' was issued for outputs not belonging to this wallet", quoteId),
		}
	}

	indexByB := make(map[string]int, len(blindedMessages))
	for i, msg := range blindedMessages {
		indexByB[msg.B_] = i
	}
	signatures := make(cashu.BlindedSignatures, len(blindedMessages))
	for i, signature := range restoreRes.Signatures {
		idx, ok := indexByB[restoreRes.Outputs[i].B_]
		if !ok {
			return 0, &InvalidResponseError{
				Mint: mintURL,
				Err:  errors.New("restore response contains unknown output"),
			}
		}
		signatures[idx] = signature
	}

	proofs, err := constructProofs(signatures, secrets, rs, keyset)
	if err != nil {
		return 0, err
	}
	dbProofs := toDBProofs(proofs, mintURL, storage.Ready, "")
	if err := m.db.CompleteMintQuote(mintURL, quoteId, dbProofs); err != nil {
		return 0, err
	}

	m.logger.Info("recovered ecash for issued quote", slog.String("mint", mintURL),
		slog.String("quote", quoteId), slog.Uint64("amount", proofs.Amount()))
	return proofs.Amount(), nil
}

// Send prepares a token for amount from the given mint. The proofs
// backing the token are marked inflight while the swap with the mint is
// in progress and spent once it succeeds; on failure everything is
// reverted and the wallet balance is unchanged.
func (m *Manager) Send(ctx context.Context, mintURL string, amount uint64, memo string) (string, error) {
	mintURL = normalizeMintURL(mintURL)
	mint, ok := m.getWalletMint(mintURL)
	if !ok {
		return "", ErrMintNotExist
	}
	if amount == 0 {
		return "", errors.New("amount must be positive")
	}

	activeKeyset, err := m.getActiveKeyset(ctx, mint)
	if err != nil {
		return "", err
	}

	// select under the mint lock so concurrent sends cannot pick the
	// same proofs, and mark the selection inflight before releasing it
	lock := m.mintLock(mintURL)
	lock.Lock()
	selected, fee, err := m.selectProofsToSend(m.mintSnapshot(mint), amount)
	if err != nil {
		lock.Unlock()
		return "", err
	}
	selectedSecrets := secretsFromDB(selected)
	if err := m.db.ReserveProofsForSwap(mintURL, selectedSecrets); err != nil {
		lock.Unlock()
		return "", err
	}
	lock.Unlock()

	revert := func() {
		if err := m.db.UpdateProofsState(mintURL, selectedSecrets, storage.Ready); err != nil {
			m.logger.Error("could not revert proofs after failed send",
				slog.String("mint", mintURL), slog.String("error", err.Error()))
		}
	}

	var selectedAmount uint64
	for _, proof := range selected {
		selectedAmount += proof.Amount
	}
	changeAmount := selectedAmount - amount - fee

	sendAmounts := cashu.AmountSplit(amount)
	changeAmounts := cashu.AmountSplit(changeAmount)
	amounts := append(append([]uint64{}, sendAmounts...), changeAmounts...)

	blindedMessages, secrets, rs, err := m.createBlindedMessages(amounts, activeKeyset)
	if err != nil {
		revert()
		return "", err
	}

	swapRes, err := m.client.PostSwap(ctx, mintURL, nut03.PostSwapRequest{
		Inputs:  dbProofsToCashu(selected),
		Outputs: blindedMessages,
	})
	if err != nil {
		revert()
		return "", err
	}

	proofs, err := constructProofs(swapRes.Signatures, secrets, rs, activeKeyset)
	if err != nil {
		revert()
		return "", err
	}

	// split swap outputs back into token proofs and change
	sendProofs := make(cashu.Proofs, 0, len(sendAmounts))
	changeProofs := make(cashu.Proofs, 0, len(changeAmounts))
	remaining := append(cashu.Proofs{}, proofs...)
	for _, amt := range sendAmounts {
		for i, proof := range remaining {
			if proof.Amount == amt {
				sendProofs = append(sendProofs, proof)
				remaining = slices.Delete(remaining, i, i+1)
				break
			}
		}
	}
	changeProofs = append(changeProofs, remaining...)

	token, err := cashu.NewTokenV4(sendProofs, mintURL, m.unit, false)
	if err != nil {
		revert()
		return "", err
	}
	tokenStr, err := token.Serialize()
	if err != nil {
		revert()
		return "", err
	}

	// token proofs stay tracked as inflight until the receiver claims
	// them, change goes straight back to the spendable balance
	newProofs := toDBProofs(sendProofs, mintURL, storage.Inflight, "")
	newProofs = append(newProofs, toDBProofs(changeProofs, mintURL, storage.Ready, "")...)
	entry := storage.HistoryEntry{
		Type:      storage.HistorySend,
		Mint:      mintURL,
		Unit:      m.unit.String(),
		Amount:    amount,
		CreatedAt: time.Now().UnixNano(),
		Token:     tokenStr,
		Memo:      memo,
	}
	if err := m.db.CompleteSwap(mintURL, selectedSecrets, newProofs, entry); err != nil {
		return "", err
	}

	m.logger.Info("created token", slog.String("mint", mintURL),
		slog.Uint64("amount", amount), slog.Uint64("fee", fee))
	return tokenStr, nil
}

// Receive redeems a token into the wallet. The token's proofs are
// swapped for fresh ones so the sender can no longer spend them. If the
// token's mint is unknown it is added first.
func (m *Manager) Receive(ctx context.Context, tokenStr string) (uint64, error) {
	token, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		return 0, err
	}
	mintURL := normalizeMintURL(token.Mint())
	proofs := token.Proofs()
	if len(proofs) == 0 {
		return 0, errors.New("token has no proofs")
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return 0, errors.New("token contains duplicate proofs")
	}

	mint, ok := m.getWalletMint(mintURL)
	if !ok {
		if _, err := m.AddMint(ctx, mintURL); err != nil {
			return 0, err
		}
		mint, _ = m.getWalletMint(mintURL)
	}

	activeKeyset, err := m.getActiveKeyset(ctx, mint)
	if err != nil {
		return 0, err
	}

	fee, err := m.feeForProofs(m.mintSnapshot(mint), toDBProofs(proofs, mintURL, storage.Ready, ""))
	if err != nil {
		return 0, err
	}
	if proofs.Amount() <= fee {
		return 0, errors.New("token amount does not cover the swap fee")
	}
	receiveAmount := proofs.Amount() - fee

	amounts := cashu.AmountSplit(receiveAmount)
	blindedMessages, secrets, rs, err := m.createBlindedMessages(amounts, activeKeyset)
	if err != nil {
		return 0, err
	}

	swapRes, err := m.client.PostSwap(ctx, mintURL, nut03.PostSwapRequest{
		Inputs:  proofs,
		Outputs: blindedMessages,
	})
	if err != nil {
		return 0, err
	}

	newProofs, err := constructProofs(swapRes.Signatures, secrets, rs, activeKeyset)
	if err != nil {
		return 0, err
	}

	entry := storage.HistoryEntry{
		Type:      storage.HistoryReceive,
		Mint:      mintURL,
		Unit:      m.unit.String(),
		Amount:    receiveAmount,
		CreatedAt: time.Now().UnixNano(),
	}
	dbProofs := toDBProofs(newProofs, mintURL, storage.Ready, "")
	if err := m.db.CompleteSwap(mintURL, nil, dbProofs, entry); err != nil {
		return 0, err
	}

	m.logger.Info("received ecash", slog.String("mint", mintURL),
		slog.Uint64("amount", receiveAmount))
	return receiveAmount, nil
}

// RequestMeltQuote asks the mint for a quote to pay a bolt11 invoice.
func (m *Manager) RequestMeltQuote(ctx context.Context, mintURL, invoice string) (*storage.MeltQuote, error) {
	mintURL = normalizeMintURL(mintURL)
	if _, ok := m.getWalletMint(mintURL); !ok {
		return nil, ErrMintNotExist
	}

	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return nil, fmt.Errorf("invalid invoice: %v", err)
	}
	if bolt11.MSatoshi == 0 {
		return nil, errors.New("invoice has no amount")
	}

	quoteRes, err := m.client.PostMeltQuoteBolt11(ctx, mintURL, nut05.PostMeltQuoteBolt11Request{
		Request: invoice,
		Unit:    m.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	quote := storage.MeltQuote{
		QuoteId:        quoteRes.Quote,
		Mint:           mintURL,
		Method:         cashu.BOLT11_METHOD,
		State:          nut05.Unpaid,
		Unit:           m.unit.String(),
		PaymentRequest: invoice,
		Amount:         quoteRes.Amount,
		FeeReserve:     quoteRes.FeeReserve,
		Expiry:         quoteRes.Expiry,
		CreatedAt:      time.Now().Unix(),
	}
	if err := m.db.SaveMeltQuote(quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// Melt pays the invoice behind a melt quote with ecash. The consumed
// proofs are reserved for the quote while the payment is in flight; if
// the mint reports the payment failed they return to the balance, and
// if the outcome is unknown the proof watcher settles them later.
func (m *Manager) Melt(ctx context.Context, mintURL, quoteId string) (*storage.MeltQuote, error) {
	mintURL = normalizeMintURL(mintURL)
	mint, ok := m.getWalletMint(mintURL)
	if !ok {
		return nil, ErrMintNotExist
	}

	quote, err := m.db.GetMeltQuote(mintURL, quoteId)
	if errors.Is(err, storage.ErrQuoteNotFound) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, err
	}
	if quote.State != nut05.Unpaid {
		return nil, fmt.Errorf("quote is %v, only unpaid quotes can be melted", quote.State)
	}

	activeKeyset, err := m.getActiveKeyset(ctx, mint)
	if err != nil {
		return nil, err
	}

	lock := m.mintLock(mintURL)
	lock.Lock()
	selected, _, err := m.selectProofsToSend(m.mintSnapshot(mint), quote.Amount+quote.FeeReserve)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	selectedSecrets := secretsFromDB(selected)
	if err := m.db.ReserveProofsForMelt(mintURL, selectedSecrets, quoteId); err != nil {
		lock.Unlock()
		return nil, err
	}
	lock.Unlock()

	if err := m.db.UpdateMeltQuote(mintURL, quoteId, "", nut05.Pending); err != nil {
		return nil, err
	}
	entry := storage.HistoryEntry{
		Type:       storage.HistoryMelt,
		Mint:       mintURL,
		Unit:       m.unit.String(),
		Amount:     quote.Amount,
		CreatedAt:  time.Now().UnixNano(),
		QuoteId:    quoteId,
		QuoteState: nut05.Pending.String(),
	}
	if err := m.db.SaveHistoryEntry(entry); err != nil {
		return nil, err
	}

	// blank outputs for the change: the unused part of the fee
	// reserve plus anything selected above the required amount
	var selectedAmount uint64
	for _, proof := range selected {
		selectedAmount += proof.Amount
	}
	changeMessages, changeSecrets, changeRs, err := m.createBlankOutputs(selectedAmount-quote.Amount, activeKeyset)
	if err != nil {
		return nil, err
	}

	meltRes, err := m.client.PostMeltBolt11(ctx, mintURL, nut05.PostMeltBolt11Request{
		Quote:   quoteId,
		Inputs:  dbProofsToCashu(selected),
		Outputs: changeMessages,
	})
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			// outcome unknown, leave the quote pending for the
			// watcher to settle
			return nil, err
		}
		if revertErr := m.db.RevertMeltQuote(mintURL, quoteId); revertErr != nil {
			m.logger.Error("could not revert melt quote",
				slog.String("mint", mintURL), slog.String("quote", quoteId),
				slog.String("error", revertErr.Error()))
		}
		return nil, err
	}

	switch meltRes.State {
	case nut05.Paid:
		if len(meltRes.Change) > len(changeSecrets) {
			// the quote stays pending locally, the proof watcher
			// completes it without the bogus change
			return nil, &InvalidResponseError{
				Mint: mintURL,
				Err: fmt.Errorf("mint returned %d change signatures for %d blank outputs",
					len(meltRes.Change), len(changeSecrets)),
			}
		}
		var changeProofs []storage.DBProof
		if len(meltRes.Change) > 0 {
			change, err := constructProofs(meltRes.Change,
				changeSecrets[:len(meltRes.Change)], changeRs[:len(meltRes.Change)], activeKeyset)
			if err != nil {
				return nil, err
			}
			changeProofs = toDBProofs(change, mintURL, storage.Ready, "")
		}
		if err := m.db.CompleteMeltQuote(mintURL, quoteId, meltRes.Preimage, changeProofs); err != nil {
			return nil, err
		}
		m.logger.Info("melted ecash", slog.String("mint", mintURL),
			slog.String("quote", quoteId), slog.Uint64("amount", quote.Amount))
	case nut05.Pending:
		// payment still in flight on the lightning side
	default:
		if err := m.db.RevertMeltQuote(mintURL, quoteId); err != nil {
			return nil, err
		}
	}

	return m.db.GetMeltQuote(mintURL, quoteId)
}

// GetHistory returns the wallet ledger newest first.
func (m *Manager) GetHistory(limit, offset int) ([]storage.HistoryEntry, error) {
	return m.db.GetHistory(limit, offset)
}

// GetHistoryByMint returns the ledger of one mint newest first.
func (m *Manager) GetHistoryByMint(mintURL string, limit, offset int) ([]storage.HistoryEntry, error) {
	return m.db.GetHistoryByMint(normalizeMintURL(mintURL), limit, offset)
}

// redeemQuote is the callback used by the quote processor to turn paid
// quotes into ecash.
func (m *Manager) redeemQuote(ctx context.Context, mintURL, quoteId string) error {
	_, err := m.MintTokens(ctx, mintURL, quoteId)
	if errors.Is(err, ErrQuoteAlreadyIssued) {
		return nil
	}
	return err
}

// createBlindedMessages derives secrets and blinding factors from the
// wallet seed for a freshly reserved counter range and blinds them.
func (m *Manager) createBlindedMessages(amounts []uint64, keyset *crypto.WalletKeyset) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	counter, err := m.db.ReserveCounterValues(keyset.MintURL, keyset.Id, uint32(len(amounts)))
	if err != nil {
		return nil, nil, nil, err
	}
	return m.blindMessages(amounts, keyset, counter)
}

// blindMessages blinds the secrets of a given counter range. The same
// amounts, keyset and counter always produce the same messages.
func (m *Manager) blindMessages(amounts []uint64, keyset *crypto.WalletKeyset, counter uint32) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	keysetPath, err := nut13.DeriveKeysetPath(m.masterKey, keyset.Id)
	if err != nil {
		return nil, nil, nil, err
	}
	secrets, rs, err := nut13.DeriveRange(keysetPath, counter, len(amounts))
	if err != nil {
		return nil, nil, nil, err
	}

	blindedMessages := make(cashu.BlindedMessages, len(amounts))
	for i, amount := range amounts {
		B_, r, err := crypto.BlindMessage(secrets[i], rs[i])
		if err != nil {
			return nil, nil, nil, err
		}
		rs[i] = r
		blindedMessages[i] = cashu.NewBlindedMessage(keyset.Id, amount, B_)
	}

	cashu.SortBlindedMessages(blindedMessages, secrets, rs)
	return blindedMessages, secrets, rs, nil
}

// createBlankOutputs builds outputs for the change of a melt fee
// reserve. Their amounts are ignored by the mint, the count follows
// NUT-08.
func (m *Manager) createBlankOutputs(feeReserve uint64, keyset *crypto.WalletKeyset) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	count := blankOutputCount(feeReserve)
	amounts := make([]uint64, count)
	for i := range amounts {
		amounts[i] = 1
	}
	return m.createBlindedMessages(amounts, keyset)
}

func blankOutputCount(feeReserve uint64) int {
	if feeReserve == 0 {
		return 0
	}
	count := 0
	for n := feeReserve; n > 0; n >>= 1 {
		count++
	}
	if count < 1 {
		count = 1
	}
	return count
}

// selectProofsToSend picks spendable proofs of the mint covering
// amount plus input fees. Proofs from inactive keysets go first so the
// wallet drains them before the current keyset. It takes a keyset
// snapshot so a concurrent rotation cannot change the view mid-selection.
func (m *Manager) selectProofsToSend(mint walletMint, amount uint64) ([]storage.DBProof, uint64, error) {
	proofs, err := m.db.GetProofs(mint.mintURL, storage.Ready)
	if err != nil {
		return nil, 0, err
	}

	inactive := make([]storage.DBProof, 0, len(proofs))
	active := make([]storage.DBProof, 0, len(proofs))
	for _, proof := range proofs {
		if _, ok := mint.inactiveKeysets[proof.Id]; ok {
			inactive = append(inactive, proof)
		} else {
			active = append(active, proof)
		}
	}
	byAmountDesc := func(a, b storage.DBProof) int {
		if a.Amount > b.Amount {
			return -1
		}
		if a.Amount < b.Amount {
			return 1
		}
		return 0
	}
	slices.SortFunc(inactive, byAmountDesc)
	slices.SortFunc(active, byAmountDesc)
	candidates := append(inactive, active...)

	selected := []storage.DBProof{}
	var selectedAmount uint64
	for _, proof := range candidates {
		fee, err := m.feeForProofs(mint, selected)
		if err != nil {
			return nil, 0, err
		}
		if selectedAmount >= amount+fee {
			break
		}
		selected = append(selected, proof)
		selectedAmount += proof.Amount
	}

	fee, err := m.feeForProofs(mint, selected)
	if err != nil {
		return nil, 0, err
	}
	if selectedAmount < amount+fee {
		return nil, 0, ErrInsufficientMintBalance
	}
	return selected, fee, nil
}

// feeForProofs computes the input fee the mint charges for spending the
// proofs: the sum of per-keyset fee ppk, rounded up to the next unit.
func (m *Manager) feeForProofs(mint walletMint, proofs []storage.DBProof) (uint64, error) {
	var totalPpk uint
	for _, proof := range proofs {
		ppk, err := m.keysetFeePpk(mint, proof.Id)
		if err != nil {
			return 0, err
		}
		totalPpk += ppk
	}
	return uint64((totalPpk + 999) / 1000), nil
}

func (m *Manager) keysetFeePpk(mint walletMint, keysetId string) (uint, error) {
	if mint.activeKeyset.Id == keysetId {
		return mint.activeKeyset.InputFeePpk, nil
	}
	if keyset, ok := mint.inactiveKeysets[keysetId]; ok {
		return keyset.InputFeePpk, nil
	}
	keyset, err := m.db.GetKeyset(mint.mintURL, keysetId)
	if err != nil {
		return 0, err
	}
	return keyset.InputFeePpk, nil
}

func constructProofs(signatures cashu.BlindedSignatures, secrets []string,
	rs []*secp256k1.PrivateKey, keyset *crypto.WalletKeyset) (cashu.Proofs, error) {

	if len(signatures) != len(secrets) || len(signatures) != len(rs) {
		return nil, errors.New("number of signatures does not match number of outputs")
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		K, ok := keyset.PublicKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("mint signed unknown amount '%v'", signature.Amount)
		}
		C := crypto.UnblindSignature(C_, rs[i], K)

		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs, nil
}

func toDBProofs(proofs cashu.Proofs, mintURL string, state storage.ProofState, meltQuoteId string) []storage.DBProof {
	dbProofs := make([]storage.DBProof, len(proofs))
	now := time.Now().Unix()
	for i, proof := range proofs {
		dbProofs[i] = storage.DBProof{
			Amount:      proof.Amount,
			Id:          proof.Id,
			Secret:      proof.Secret,
			C:           proof.C,
			DLEQ:        proof.DLEQ,
			Witness:     proof.Witness,
			MintURL:     mintURL,
			State:       state,
			MeltQuoteId: meltQuoteId,
			CreatedAt:   now,
		}
	}
	return dbProofs
}

func dbProofsToCashu(dbProofs []storage.DBProof) cashu.Proofs {
	proofs := make(cashu.Proofs, len(dbProofs))
	for i, dbProof := range dbProofs {
		proofs[i] = cashu.Proof{
			Amount:  dbProof.Amount,
			Id:      dbProof.Id,
			Secret:  dbProof.Secret,
			C:       dbProof.C,
			DLEQ:    dbProof.DLEQ,
			Witness: dbProof.Witness,
		}
	}
	return proofs
}

func secretsFromDB(proofs []storage.DBProof) []string {
	secrets := make([]string, len(proofs))
	for i, proof := range proofs {
		secrets[i] = proof.Secret
	}
	return secrets
}
