package wallet

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/elnosh/nutw/cashu/nuts/nut04"
	"github.com/elnosh/nutw/cashu/nuts/nut05"
	"github.com/elnosh/nutw/cashu/nuts/nut07"
	"github.com/elnosh/nutw/crypto"
	"github.com/elnosh/nutw/wallet/pubsub"
	"github.com/elnosh/nutw/wallet/storage"
)

// MintQuoteWatcher polls the mints for the state of unpaid mint quotes
// and publishes an event when an invoice gets paid.
type MintQuoteWatcher struct {
	db       storage.WalletDB
	client   MintClient
	events   *pubsub.PubSub
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	watched map[string]storage.MintQuote

	wg sync.WaitGroup
}

func NewMintQuoteWatcher(db storage.WalletDB, client MintClient, events *pubsub.PubSub,
	logger *slog.Logger, interval time.Duration) *MintQuoteWatcher {
	return &MintQuoteWatcher{
		db:       db,
		client:   client,
		events:   events,
		logger:   logger,
		interval: interval,
		watched:  make(map[string]storage.MintQuote),
	}
}

// Watch adds a quote to the polling set.
func (w *MintQuoteWatcher) Watch(quote storage.MintQuote) {
	w.mu.Lock()
	w.watched[quote.Mint+"|"+quote.QuoteId] = quote
	w.mu.Unlock()
}

func (w *MintQuoteWatcher) Start(ctx context.Context) {
	// quotes that were unpaid when the wallet last shut down resume
	// being watched
	quotes, err := w.db.GetMintQuotesByState(nut04.Unpaid)
	if err != nil {
		w.logger.Error("could not load unpaid mint quotes", slog.String("error", err.Error()))
	}
	now := uint64(time.Now().Unix())
	for _, quote := range quotes {
		if quote.Expiry > 0 && quote.Expiry < now {
			continue
		}
		w.Watch(quote)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.checkQuotes(ctx)
			}
		}
	}()
}

func (w *MintQuoteWatcher) Wait() {
	w.wg.Wait()
}

func (w *MintQuoteWatcher) checkQuotes(ctx context.Context) {
	w.mu.Lock()
	quotes := make([]storage.MintQuote, 0, len(w.watched))
	for _, quote := range w.watched {
		quotes = append(quotes, quote)
	}
	w.mu.Unlock()

	now := uint64(time.Now().Unix())
	for _, quote := range quotes {
		if quote.Expiry > 0 && quote.Expiry < now {
			w.remove(quote)
			w.logger.Info("mint quote expired", slog.String("mint", quote.Mint),
				slog.String("quote", quote.QuoteId))
			w.events.Publish(pubsub.TopicMintQuoteExpired, pubsub.QuoteEvent{
				Mint:    quote.Mint,
				QuoteId: quote.QuoteId,
				State:   quoteStateExpired,
			})
			continue
		}

		quoteRes, err := w.client.GetMintQuoteState(ctx, quote.Mint, quote.QuoteId)
		if err != nil {
			w.logger.Debug("could not check mint quote",
				slog.String("mint", quote.Mint), slog.String("quote", quote.QuoteId),
				slog.String("error", err.Error()))
			continue
		}
		if quoteRes.State != nut04.Paid && quoteRes.State != nut04.Issued {
			continue
		}

		if err := w.db.UpdateMintQuoteState(quote.Mint, quote.QuoteId, nut04.Paid); err != nil {
			w.logger.Error("could not update mint quote",
				slog.String("quote", quote.QuoteId), slog.String("error", err.Error()))
			continue
		}
		if err := w.db.UpdateQuoteHistoryState(quote.Mint, quote.QuoteId,
			storage.HistoryMint, nut04.Paid.String()); err != nil && err != storage.ErrHistoryNotFound {
			w.logger.Error("could not update history entry",
				slog.String("quote", quote.QuoteId), slog.String("error", err.Error()))
		}

		w.remove(quote)
		w.logger.Info("mint quote paid", slog.String("mint", quote.Mint),
			slog.String("quote", quote.QuoteId))
		w.events.Publish(pubsub.TopicMintQuotePaid, pubsub.QuoteEvent{
			Mint:    quote.Mint,
			QuoteId: quote.QuoteId,
			State:   nut04.Paid.String(),
		})
	}
}

func (w *MintQuoteWatcher) remove(quote storage.MintQuote) {
	w.mu.Lock()
	delete(w.watched, quote.Mint+"|"+quote.QuoteId)
	w.mu.Unlock()
}

// quoteStateExpired is recorded in the history ledger for mint quotes
// whose invoice was never paid before expiry.
const quoteStateExpired = "EXPIRED"

// MintQuoteProcessor redeems ecash for quotes whose invoice was paid.
// It consumes the watcher's events and periodically re-drives quotes
// that are paid but not yet redeemed, so a failed redemption is
// retried on the next cycle instead of waiting for a restart.
type MintQuoteProcessor struct {
	db       storage.WalletDB
	events   *pubsub.PubSub
	logger   *slog.Logger
	redeem   func(ctx context.Context, mintURL, quoteId string) error
	interval time.Duration

	wg sync.WaitGroup
}

func NewMintQuoteProcessor(db storage.WalletDB, events *pubsub.PubSub, logger *slog.Logger,
	redeem func(ctx context.Context, mintURL, quoteId string) error,
	interval time.Duration) *MintQuoteProcessor {
	return &MintQuoteProcessor{
		db:       db,
		events:   events,
		logger:   logger,
		redeem:   redeem,
		interval: interval,
	}
}

func (p *MintQuoteProcessor) Start(ctx context.Context) {
	paid := p.events.Subscribe(pubsub.TopicMintQuotePaid)
	expired := p.events.Subscribe(pubsub.TopicMintQuoteExpired)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.events.Unsubscribe(paid, pubsub.TopicMintQuotePaid)
		defer p.events.Unsubscribe(expired, pubsub.TopicMintQuoteExpired)

		// paid but unredeemed quotes from previous runs
		p.redeemPaidQuotes(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-paid.Events():
				p.process(ctx, event.Mint, event.QuoteId)
			case event := <-expired.Events():
				p.markExpired(event)
			case <-ticker.C:
				p.redeemPaidQuotes(ctx)
			}
		}
	}()
}

func (p *MintQuoteProcessor) Wait() {
	p.wg.Wait()
}

// redeemPaidQuotes retries every quote stuck in the paid state.
func (p *MintQuoteProcessor) redeemPaidQuotes(ctx context.Context) {
	quotes, err := p.db.GetMintQuotesByState(nut04.Paid)
	if err != nil {
		p.logger.Error("could not load paid mint quotes", slog.String("error", err.Error()))
		return
	}
	for _, quote := range quotes {
		p.process(ctx, quote.Mint, quote.QuoteId)
	}
}

func (p *MintQuoteProcessor) process(ctx context.Context, mintURL, quoteId string) {
	if err := p.redeem(ctx, mintURL, quoteId); err != nil {
		// the quote stays PAID in the db, it will be retried on the
		// next cycle
		p.logger.Error("could not redeem mint quote",
			slog.String("mint", mintURL), slog.String("quote", quoteId),
			slog.String("error", err.Error()))
		return
	}
	p.logger.Info("redeemed mint quote", slog.String("mint", mintURL),
		slog.String("quote", quoteId))
}

func (p *MintQuoteProcessor) markExpired(event pubsub.QuoteEvent) {
	err := p.db.UpdateQuoteHistoryState(event.Mint, event.QuoteId, storage.HistoryMint, event.State)
	if err != nil && err != storage.ErrHistoryNotFound {
		p.logger.Error("could not mark quote expired in history",
			slog.String("quote", event.QuoteId), slog.String("error", err.Error()))
	}
}

// ProofStateWatcher settles state the wallet could not settle inline:
// melt quotes left pending by a crash or network failure, and inflight
// proofs whose fate only the mint knows.
type ProofStateWatcher struct {
	db       storage.WalletDB
	client   MintClient
	logger   *slog.Logger
	interval time.Duration
	// reservationGrace is how long a swap reservation may stay
	// inflight before an unspent proof is considered stranded by a
	// crash and returned to the balance
	reservationGrace time.Duration

	wg sync.WaitGroup
}

func NewProofStateWatcher(db storage.WalletDB, client MintClient, logger *slog.Logger,
	interval time.Duration) *ProofStateWatcher {
	return &ProofStateWatcher{
		db:               db,
		client:           client,
		logger:           logger,
		interval:         interval,
		reservationGrace: time.Minute,
	}
}

func (w *ProofStateWatcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.settlePendingMelts(ctx)
				w.settleInflightProofs(ctx)
			}
		}
	}()
}

func (w *ProofStateWatcher) Wait() {
	w.wg.Wait()
}

func (w *ProofStateWatcher) settlePendingMelts(ctx context.Context) {
	quotes, err := w.db.GetMeltQuotesByState(nut05.Pending)
	if err != nil {
		w.logger.Error("could not load pending melt quotes", slog.String("error", err.Error()))
		return
	}

	for _, quote := range quotes {
		quoteRes, err := w.client.GetMeltQuoteState(ctx, quote.Mint, quote.QuoteId)
		if err != nil {
			continue
		}

		switch quoteRes.State {
		case nut05.Paid:
			// change outputs from the original melt attempt are
			// lost after a crash; the counter-derived secrets can
			// be recovered with a seed restore
			if err := w.db.CompleteMeltQuote(quote.Mint, quote.QuoteId, quoteRes.Preimage, nil); err != nil {
				w.logger.Error("could not settle melt quote",
					slog.String("quote", quote.QuoteId), slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("melt quote settled as paid", slog.String("mint", quote.Mint),
				slog.String("quote", quote.QuoteId))
		case nut05.Unpaid:
			if err := w.db.RevertMeltQuote(quote.Mint, quote.QuoteId); err != nil {
				w.logger.Error("could not revert melt quote",
					slog.String("quote", quote.QuoteId), slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("melt quote reverted, proofs are spendable again",
				slog.String("mint", quote.Mint), slog.String("quote", quote.QuoteId))
		}
	}
}

// settleInflightProofs asks the mints about proofs in the inflight
// state. Proofs the mint reports spent are settled as spent. Unspent
// proofs carrying a swap reservation older than the grace period were
// stranded by a crash between reserving and swapping, so they go back
// to the balance. Unspent proofs without a reservation back an
// unclaimed token and are left alone.
func (w *ProofStateWatcher) settleInflightProofs(ctx context.Context) {
	proofs, err := w.db.GetAllProofs(storage.Inflight)
	if err != nil {
		w.logger.Error("could not load inflight proofs", slog.String("error", err.Error()))
		return
	}
	if len(proofs) == 0 {
		return
	}

	byMint := make(map[string][]storage.DBProof)
	for _, proof := range proofs {
		// proofs reserved for a melt are settled with their quote
		if proof.MeltQuoteId != "" {
			continue
		}
		byMint[proof.MintURL] = append(byMint[proof.MintURL], proof)
	}

	now := time.Now().Unix()
	for mintURL, mintProofs := range byMint {
		Ys := make([]string, len(mintProofs))
		for i, proof := range mintProofs {
			Y, err := crypto.HashToCurve([]byte(proof.Secret))
			if err != nil {
				w.logger.Error("could not hash proof secret", slog.String("error", err.Error()))
				return
			}
			Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
		}

		stateRes, err := w.client.PostCheckProofState(ctx, mintURL, nut07.PostCheckStateRequest{Ys: Ys})
		if err != nil {
			continue
		}
		if len(stateRes.States) != len(mintProofs) {
			w.logger.Error("mint returned wrong number of proof states",
				slog.String("mint", mintURL))
			continue
		}

		spentSecrets := []string{}
		strandedSecrets := []string{}
		for i, state := range stateRes.States {
			proof := mintProofs[i]
			switch {
			case state.State == nut07.Spent:
				spentSecrets = append(spentSecrets, proof.Secret)
			case proof.ReservedAt > 0 && now-proof.ReservedAt >= int64(w.reservationGrace/time.Second):
				strandedSecrets = append(strandedSecrets, proof.Secret)
			}
		}

		if len(spentSecrets) > 0 {
			if err := w.db.UpdateProofsState(mintURL, spentSecrets, storage.Spent); err != nil {
				w.logger.Error("could not mark proofs spent",
					slog.String("mint", mintURL), slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("marked claimed proofs as spent", slog.String("mint", mintURL),
				slog.Int("count", len(spentSecrets)))
		}
		if len(strandedSecrets) > 0 {
			if err := w.db.UpdateProofsState(mintURL, strandedSecrets, storage.Ready); err != nil {
				w.logger.Error("could not revert stranded proofs",
					slog.String("mint", mintURL), slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("returned stranded reserved proofs to the balance",
				slog.String("mint", mintURL), slog.Int("count", len(strandedSecrets)))
		}
	}
}
