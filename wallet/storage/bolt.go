package storage

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/elnosh/nutw/cashu/nuts/nut04"
	"github.com/elnosh/nutw/cashu/nuts/nut05"
	bolt "go.etcd.io/bbolt"
)

const (
	metaBucket       = "meta"
	mintsBucket      = "mints"
	keysetsBucket    = "keysets"
	countersBucket   = "counters"
	proofsBucket     = "proofs"
	mintQuotesBucket = "mint_quotes"
	meltQuotesBucket = "melt_quotes"
	historyBucket    = "history"
	historyIndex     = "history_quote_index"

	schemaVersionKey = "schema_version"
	mnemonicKey      = "mnemonic"
	seedKey          = "seed"

	// bump when the bucket layout or stored row shapes change and add a
	// step to migrateBolt
	schemaVersion = 3
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	dbpath := filepath.Join(path, "wallet.db")
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.migrateBolt(); err != nil {
		return nil, fmt.Errorf("error setting up db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

// migrateBolt creates any missing buckets and walks the schema version
// up to the current one. Safe to run on a db already at the target
// version.
func (db *BoltDB) migrateBolt() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			metaBucket, mintsBucket, keysetsBucket, countersBucket,
			proofsBucket, mintQuotesBucket, meltQuotesBucket,
			historyBucket, historyIndex,
		}
		fresh := tx.Bucket([]byte(metaBucket)) == nil
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}

		meta := tx.Bucket([]byte(metaBucket))
		version := 1
		if fresh {
			// nothing to upgrade on a brand new db
			version = schemaVersion
		} else if v := meta.Get([]byte(schemaVersionKey)); v != nil {
			parsed, err := strconv.Atoi(string(v))
			if err != nil {
				return fmt.Errorf("invalid schema version '%s': %v", v, err)
			}
			version = parsed
		}

		if version < 2 {
			// v2 added the unit field to keysets. Backfill rows
			// stored before it existed.
			if err := backfillKeysetUnit(tx); err != nil {
				return err
			}
		}
		// v3 added the output range to mint quotes and the reservation
		// time to proofs. Old rows unmarshal them as zero, which means
		// "not reserved", so no backfill is needed.

		return meta.Put([]byte(schemaVersionKey), []byte(strconv.Itoa(schemaVersion)))
	})
}

func backfillKeysetUnit(tx *bolt.Tx) error {
	keysets := tx.Bucket([]byte(keysetsBucket))
	return keysets.ForEachBucket(func(mintKey []byte) error {
		mintKeysets := keysets.Bucket(mintKey)
		c := mintKeysets.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var keyset DBKeyset
			if err := json.Unmarshal(v, &keyset); err != nil {
				return err
			}
			if keyset.Unit == "" {
				keyset.Unit = "sat"
				updated, err := json.Marshal(keyset)
				if err != nil {
					return err
				}
				if err := mintKeysets.Put(k, updated); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveMint(mint Mint) error {
	jsonMint, err := json.Marshal(mint)
	if err != nil {
		return fmt.Errorf("invalid mint: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		mints := tx.Bucket([]byte(mintsBucket))
		return mints.Put([]byte(mint.URL), jsonMint)
	})
}

func (db *BoltDB) GetMint(mintURL string) (*Mint, error) {
	var mint *Mint
	err := db.bolt.View(func(tx *bolt.Tx) error {
		mintVal := tx.Bucket([]byte(mintsBucket)).Get([]byte(mintURL))
		if mintVal == nil {
			return ErrMintNotFound
		}
		mint = &Mint{}
		return json.Unmarshal(mintVal, mint)
	})
	if err != nil {
		return nil, err
	}
	return mint, nil
}

func (db *BoltDB) GetMints() ([]Mint, error) {
	mints := []Mint{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(mintsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var mint Mint
			if err := json.Unmarshal(v, &mint); err != nil {
				return err
			}
			mints = append(mints, mint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mints, nil
}

func (db *BoltDB) DeleteMint(mintURL string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(mintsBucket)).Get([]byte(mintURL)) == nil {
			return ErrMintNotFound
		}
		if err := tx.Bucket([]byte(mintsBucket)).Delete([]byte(mintURL)); err != nil {
			return err
		}
		for _, nested := range []string{keysetsBucket, proofsBucket} {
			bucket := tx.Bucket([]byte(nested))
			if bucket.Bucket([]byte(mintURL)) != nil {
				if err := bucket.DeleteBucket([]byte(mintURL)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveKeyset(keyset DBKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		mintKeysets, err := tx.Bucket([]byte(keysetsBucket)).
			CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}
		return mintKeysets.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets(mintURL string) ([]DBKeyset, error) {
	keysets := []DBKeyset{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		mintKeysets := tx.Bucket([]byte(keysetsBucket)).Bucket([]byte(mintURL))
		if mintKeysets == nil {
			return nil
		}
		c := mintKeysets.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var keyset DBKeyset
			if err := json.Unmarshal(v, &keyset); err != nil {
				return err
			}
			keysets = append(keysets, keyset)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keysets, nil
}

func (db *BoltDB) GetKeyset(mintURL, keysetId string) (*DBKeyset, error) {
	var keyset *DBKeyset
	err := db.bolt.View(func(tx *bolt.Tx) error {
		mintKeysets := tx.Bucket([]byte(keysetsBucket)).Bucket([]byte(mintURL))
		if mintKeysets == nil {
			return ErrKeysetNotFound
		}
		keysetVal := mintKeysets.Get([]byte(keysetId))
		if keysetVal == nil {
			return ErrKeysetNotFound
		}
		keyset = &DBKeyset{}
		return json.Unmarshal(keysetVal, keyset)
	})
	if err != nil {
		return nil, err
	}
	return keyset, nil
}

func (db *BoltDB) UpdateKeysetActive(mintURL, keysetId string, active bool) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		mintKeysets := tx.Bucket([]byte(keysetsBucket)).Bucket([]byte(mintURL))
		if mintKeysets == nil {
			return ErrKeysetNotFound
		}
		keysetVal := mintKeysets.Get([]byte(keysetId))
		if keysetVal == nil {
			return ErrKeysetNotFound
		}

		var keyset DBKeyset
		if err := json.Unmarshal(keysetVal, &keyset); err != nil {
			return err
		}
		keyset.Active = active
		keyset.UpdatedAt = time.Now().Unix()
		jsonKeyset, err := json.Marshal(keyset)
		if err != nil {
			return err
		}
		return mintKeysets.Put([]byte(keysetId), jsonKeyset)
	})
}

func counterKey(mintURL, keysetId string) []byte {
	return []byte(mintURL + "|" + keysetId)
}

func (db *BoltDB) ReserveCounterValues(mintURL, keysetId string, count uint32) (uint32, error) {
	var start uint32
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		counters := tx.Bucket([]byte(countersBucket))
		key := counterKey(mintURL, keysetId)

		if current := counters.Get(key); current != nil {
			start = binary.BigEndian.Uint32(current)
		}

		next := make([]byte, 4)
		binary.BigEndian.PutUint32(next, start+count)
		return counters.Put(key, next)
	})
	if err != nil {
		return 0, err
	}
	return start, nil
}

func (db *BoltDB) GetCounter(mintURL, keysetId string) (uint32, error) {
	var counter uint32
	err := db.bolt.View(func(tx *bolt.Tx) error {
		if current := tx.Bucket([]byte(countersBucket)).Get(counterKey(mintURL, keysetId)); current != nil {
			counter = binary.BigEndian.Uint32(current)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return counter, nil
}

func (db *BoltDB) SetCounter(mintURL, keysetId string, counter uint32) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		value := make([]byte, 4)
		binary.BigEndian.PutUint32(value, counter)
		return tx.Bucket([]byte(countersBucket)).Put(counterKey(mintURL, keysetId), value)
	})
}

func saveProofsTx(tx *bolt.Tx, proofs []DBProof) error {
	proofsBkt := tx.Bucket([]byte(proofsBucket))

	// check every secret before writing any row so that either all
	// proofs get stored or none do
	for _, proof := range proofs {
		mintProofs := proofsBkt.Bucket([]byte(proof.MintURL))
		if mintProofs != nil && mintProofs.Get([]byte(proof.Secret)) != nil {
			return &DuplicateProofError{Mint: proof.MintURL, Secret: proof.Secret}
		}
	}

	for _, proof := range proofs {
		mintProofs, err := proofsBkt.CreateBucketIfNotExists([]byte(proof.MintURL))
		if err != nil {
			return err
		}
		jsonProof, err := json.Marshal(proof)
		if err != nil {
			return fmt.Errorf("invalid proof: %v", err)
		}
		if err := mintProofs.Put([]byte(proof.Secret), jsonProof); err != nil {
			return err
		}
	}
	return nil
}

func (db *BoltDB) SaveProofs(proofs []DBProof) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return saveProofsTx(tx, proofs)
	})
}

func (db *BoltDB) GetProofs(mintURL string, state ProofState) ([]DBProof, error) {
	proofs := []DBProof{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return collectProofs(tx, mintURL, func(proof DBProof) bool {
			return proof.State == state
		}, &proofs)
	})
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

func (db *BoltDB) GetProofsByKeyset(mintURL, keysetId string, state ProofState) ([]DBProof, error) {
	proofs := []DBProof{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return collectProofs(tx, mintURL, func(proof DBProof) bool {
			return proof.State == state && proof.Id == keysetId
		}, &proofs)
	})
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

func (db *BoltDB) GetAllProofs(state ProofState) ([]DBProof, error) {
	proofs := []DBProof{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		proofsBkt := tx.Bucket([]byte(proofsBucket))
		return proofsBkt.ForEachBucket(func(mintKey []byte) error {
			return collectProofs(tx, string(mintKey), func(proof DBProof) bool {
				return proof.State == state
			}, &proofs)
		})
	})
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

func (db *BoltDB) GetProofsByMeltQuote(mintURL, quoteId string) ([]DBProof, error) {
	proofs := []DBProof{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return collectProofs(tx, mintURL, func(proof DBProof) bool {
			return proof.MeltQuoteId == quoteId
		}, &proofs)
	})
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

func collectProofs(tx *bolt.Tx, mintURL string, match func(DBProof) bool, result *[]DBProof) error {
	mintProofs := tx.Bucket([]byte(proofsBucket)).Bucket([]byte(mintURL))
	if mintProofs == nil {
		return nil
	}
	c := mintProofs.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var proof DBProof
		if err := json.Unmarshal(v, &proof); err != nil {
			return err
		}
		if match(proof) {
			*result = append(*result, proof)
		}
	}
	return nil
}

func updateProofsTx(tx *bolt.Tx, mintURL string, secrets []string, update func(*DBProof)) error {
	if len(secrets) == 0 {
		return nil
	}
	mintProofs := tx.Bucket([]byte(proofsBucket)).Bucket([]byte(mintURL))
	if mintProofs == nil {
		return ErrProofNotFound
	}

	for _, secret := range secrets {
		proofVal := mintProofs.Get([]byte(secret))
		if proofVal == nil {
			return ErrProofNotFound
		}
		var proof DBProof
		if err := json.Unmarshal(proofVal, &proof); err != nil {
			return err
		}
		update(&proof)
		jsonProof, err := json.Marshal(proof)
		if err != nil {
			return err
		}
		if err := mintProofs.Put([]byte(secret), jsonProof); err != nil {
			return err
		}
	}
	return nil
}

func (db *BoltDB) UpdateProofsState(mintURL string, secrets []string, state ProofState) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return updateProofsTx(tx, mintURL, secrets, func(proof *DBProof) {
			proof.State = state
			if state != Inflight {
				proof.ReservedAt = 0
			}
		})
	})
}

func (db *BoltDB) ReserveProofsForSwap(mintURL string, secrets []string) error {
	now := time.Now().Unix()
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return updateProofsTx(tx, mintURL, secrets, func(proof *DBProof) {
			proof.State = Inflight
			proof.ReservedAt = now
		})
	})
}

func (db *BoltDB) ReserveProofsForMelt(mintURL string, secrets []string, meltQuoteId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return updateProofsTx(tx, mintURL, secrets, func(proof *DBProof) {
			proof.State = Inflight
			proof.MeltQuoteId = meltQuoteId
		})
	})
}

func (db *BoltDB) DeleteProofs(mintURL string, secrets []string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		mintProofs := tx.Bucket([]byte(proofsBucket)).Bucket([]byte(mintURL))
		if mintProofs == nil {
			return ErrProofNotFound
		}
		for _, secret := range secrets {
			if err := mintProofs.Delete([]byte(secret)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveMintQuote(quote MintQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid mint quote: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		mintQuotes, err := tx.Bucket([]byte(mintQuotesBucket)).
			CreateBucketIfNotExists([]byte(quote.Mint))
		if err != nil {
			return err
		}
		return mintQuotes.Put([]byte(quote.QuoteId), jsonQuote)
	})
}

func (db *BoltDB) GetMintQuote(mintURL, quoteId string) (*MintQuote, error) {
	var quote *MintQuote
	err := db.bolt.View(func(tx *bolt.Tx) error {
		mintQuotes := tx.Bucket([]byte(mintQuotesBucket)).Bucket([]byte(mintURL))
		if mintQuotes == nil {
			return ErrQuoteNotFound
		}
		quoteVal := mintQuotes.Get([]byte(quoteId))
		if quoteVal == nil {
			return ErrQuoteNotFound
		}
		quote = &MintQuote{}
		return json.Unmarshal(quoteVal, quote)
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

func (db *BoltDB) GetMintQuotes(mintURL string) ([]MintQuote, error) {
	quotes := []MintQuote{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		mintQuotes := tx.Bucket([]byte(mintQuotesBucket)).Bucket([]byte(mintURL))
		if mintQuotes == nil {
			return nil
		}
		c := mintQuotes.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var quote MintQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return err
			}
			quotes = append(quotes, quote)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quotes, nil
}

func (db *BoltDB) GetMintQuotesByState(state nut04.State) ([]MintQuote, error) {
	quotes := []MintQuote{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		quotesBkt := tx.Bucket([]byte(mintQuotesBucket))
		return quotesBkt.ForEachBucket(func(mintKey []byte) error {
			c := quotesBkt.Bucket(mintKey).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var quote MintQuote
				if err := json.Unmarshal(v, &quote); err != nil {
					return err
				}
				if quote.State == state {
					quotes = append(quotes, quote)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return quotes, nil
}

func updateMintQuoteStateTx(tx *bolt.Tx, mintURL, quoteId string, state nut04.State) error {
	mintQuotes := tx.Bucket([]byte(mintQuotesBucket)).Bucket([]byte(mintURL))
	if mintQuotes == nil {
		return ErrQuoteNotFound
	}
	quoteVal := mintQuotes.Get([]byte(quoteId))
	if quoteVal == nil {
		return ErrQuoteNotFound
	}

	var quote MintQuote
	if err := json.Unmarshal(quoteVal, &quote); err != nil {
		return err
	}
	quote.State = state
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	return mintQuotes.Put([]byte(quoteId), jsonQuote)
}

func (db *BoltDB) UpdateMintQuoteState(mintURL, quoteId string, state nut04.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return updateMintQuoteStateTx(tx, mintURL, quoteId, state)
	})
}

func (db *BoltDB) SetMintQuoteOutputs(mintURL, quoteId, keysetId string, counter uint32) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		mintQuotes := tx.Bucket([]byte(mintQuotesBucket)).Bucket([]byte(mintURL))
		if mintQuotes == nil {
			return ErrQuoteNotFound
		}
		quoteVal := mintQuotes.Get([]byte(quoteId))
		if quoteVal == nil {
			return ErrQuoteNotFound
		}

		var quote MintQuote
		if err := json.Unmarshal(quoteVal, &quote); err != nil {
			return err
		}
		quote.KeysetId = keysetId
		quote.Counter = counter
		jsonQuote, err := json.Marshal(quote)
		if err != nil {
			return err
		}
		return mintQuotes.Put([]byte(quoteId), jsonQuote)
	})
}

func (db *BoltDB) SaveMeltQuote(quote MeltQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid melt quote: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		meltQuotes, err := tx.Bucket([]byte(meltQuotesBucket)).
			CreateBucketIfNotExists([]byte(quote.Mint))
		if err != nil {
			return err
		}
		return meltQuotes.Put([]byte(quote.QuoteId), jsonQuote)
	})
}

func (db *BoltDB) GetMeltQuote(mintURL, quoteId string) (*MeltQuote, error) {
	var quote *MeltQuote
	err := db.bolt.View(func(tx *bolt.Tx) error {
		meltQuotes := tx.Bucket([]byte(meltQuotesBucket)).Bucket([]byte(mintURL))
		if meltQuotes == nil {
			return ErrQuoteNotFound
		}
		quoteVal := meltQuotes.Get([]byte(quoteId))
		if quoteVal == nil {
			return ErrQuoteNotFound
		}
		quote = &MeltQuote{}
		return json.Unmarshal(quoteVal, quote)
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

func (db *BoltDB) GetMeltQuotesByState(state nut05.State) ([]MeltQuote, error) {
	quotes := []MeltQuote{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		quotesBkt := tx.Bucket([]byte(meltQuotesBucket))
		return quotesBkt.ForEachBucket(func(mintKey []byte) error {
			c := quotesBkt.Bucket(mintKey).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var quote MeltQuote
				if err := json.Unmarshal(v, &quote); err != nil {
					return err
				}
				if quote.State == state {
					quotes = append(quotes, quote)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return quotes, nil
}

func updateMeltQuoteTx(tx *bolt.Tx, mintURL, quoteId, preimage string, state nut05.State) error {
	meltQuotes := tx.Bucket([]byte(meltQuotesBucket)).Bucket([]byte(mintURL))
	if meltQuotes == nil {
		return ErrQuoteNotFound
	}
	quoteVal := meltQuotes.Get([]byte(quoteId))
	if quoteVal == nil {
		return ErrQuoteNotFound
	}

	var quote MeltQuote
	if err := json.Unmarshal(quoteVal, &quote); err != nil {
		return err
	}
	quote.State = state
	if preimage != "" {
		quote.Preimage = preimage
	}
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	return meltQuotes.Put([]byte(quoteId), jsonQuote)
}

func (db *BoltDB) UpdateMeltQuote(mintURL, quoteId, preimage string, state nut05.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return updateMeltQuoteTx(tx, mintURL, quoteId, preimage, state)
	})
}

func historyKey(createdAt int64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(createdAt))
	rand.Read(key[8:])
	return key
}

func quoteIndexKey(mintURL, quoteId string, entryType HistoryType) []byte {
	return []byte(mintURL + "|" + quoteId + "|" + entryType.String())
}

func saveHistoryTx(tx *bolt.Tx, entry HistoryEntry) error {
	key := historyKey(entry.CreatedAt)
	entry.Id = hex.EncodeToString(key)

	jsonEntry, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("invalid history entry: %v", err)
	}
	if err := tx.Bucket([]byte(historyBucket)).Put(key, jsonEntry); err != nil {
		return err
	}

	// mint and melt entries get updated later by quote id, index them
	if entry.Type == HistoryMint || entry.Type == HistoryMelt {
		index := tx.Bucket([]byte(historyIndex))
		return index.Put(quoteIndexKey(entry.Mint, entry.QuoteId, entry.Type), key)
	}
	return nil
}

func (db *BoltDB) SaveHistoryEntry(entry HistoryEntry) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return saveHistoryTx(tx, entry)
	})
}

func (db *BoltDB) GetHistory(limit, offset int) ([]HistoryEntry, error) {
	return db.getHistory(limit, offset, func(HistoryEntry) bool { return true })
}

func (db *BoltDB) GetHistoryByMint(mintURL string, limit, offset int) ([]HistoryEntry, error) {
	return db.getHistory(limit, offset, func(entry HistoryEntry) bool {
		return entry.Mint == mintURL
	})
}

func (db *BoltDB) getHistory(limit, offset int, match func(HistoryEntry) bool) ([]HistoryEntry, error) {
	entries := []HistoryEntry{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(historyBucket)).Cursor()
		skipped := 0
		// iterate newest first
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var entry HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !match(entry) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (db *BoltDB) GetQuoteHistoryEntry(mintURL, quoteId string, entryType HistoryType) (*HistoryEntry, error) {
	var entry *HistoryEntry
	err := db.bolt.View(func(tx *bolt.Tx) error {
		found, err := quoteHistoryTx(tx, mintURL, quoteId, entryType)
		if err != nil {
			return err
		}
		entry = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func quoteHistoryTx(tx *bolt.Tx, mintURL, quoteId string, entryType HistoryType) (*HistoryEntry, error) {
	key := tx.Bucket([]byte(historyIndex)).Get(quoteIndexKey(mintURL, quoteId, entryType))
	if key == nil {
		return nil, ErrHistoryNotFound
	}
	entryVal := tx.Bucket([]byte(historyBucket)).Get(key)
	if entryVal == nil {
		return nil, ErrHistoryNotFound
	}
	var entry HistoryEntry
	if err := json.Unmarshal(entryVal, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func updateQuoteHistoryTx(tx *bolt.Tx, mintURL, quoteId string, entryType HistoryType, quoteState string) error {
	entry, err := quoteHistoryTx(tx, mintURL, quoteId, entryType)
	if err != nil {
		return err
	}
	entry.QuoteState = quoteState

	key, err := hex.DecodeString(entry.Id)
	if err != nil {
		return err
	}
	jsonEntry, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(historyBucket)).Put(key, jsonEntry)
}

func (db *BoltDB) UpdateQuoteHistoryState(mintURL, quoteId string, entryType HistoryType, quoteState string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return updateQuoteHistoryTx(tx, mintURL, quoteId, entryType, quoteState)
	})
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if err := meta.Put([]byte(mnemonicKey), []byte(mnemonic)); err != nil {
			return err
		}
		return meta.Put([]byte(seedKey), seed)
	})
}

func (db *BoltDB) GetSeed() ([]byte, error) {
	var seed []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		seedVal := tx.Bucket([]byte(metaBucket)).Get([]byte(seedKey))
		if seedVal == nil {
			return ErrMnemonicNotExists
		}
		seed = bytes.Clone(seedVal)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seed, nil
}

func (db *BoltDB) GetMnemonic() (string, error) {
	var mnemonic string
	err := db.bolt.View(func(tx *bolt.Tx) error {
		mnemonicVal := tx.Bucket([]byte(metaBucket)).Get([]byte(mnemonicKey))
		if mnemonicVal == nil {
			return ErrMnemonicNotExists
		}
		mnemonic = string(mnemonicVal)
		return nil
	})
	if err != nil {
		return "", err
	}
	return mnemonic, nil
}

func (db *BoltDB) CompleteSwap(mintURL string, spentSecrets []string, newProofs []DBProof, entry HistoryEntry) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if err := updateProofsTx(tx, mintURL, spentSecrets, func(proof *DBProof) {
			proof.State = Spent
			proof.ReservedAt = 0
		}); err != nil {
			return err
		}
		if err := saveProofsTx(tx, newProofs); err != nil {
			return err
		}
		return saveHistoryTx(tx, entry)
	})
}

func (db *BoltDB) CompleteMintQuote(mintURL, quoteId string, newProofs []DBProof) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if err := updateMintQuoteStateTx(tx, mintURL, quoteId, nut04.Issued); err != nil {
			return err
		}
		if err := saveProofsTx(tx, newProofs); err != nil {
			return err
		}
		return updateQuoteHistoryTx(tx, mintURL, quoteId, HistoryMint, nut04.Issued.String())
	})
}

func (db *BoltDB) CompleteMeltQuote(mintURL, quoteId, preimage string, changeProofs []DBProof) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if err := updateMeltQuoteTx(tx, mintURL, quoteId, preimage, nut05.Paid); err != nil {
			return err
		}

		reserved := []DBProof{}
		if err := collectProofs(tx, mintURL, func(proof DBProof) bool {
			return proof.MeltQuoteId == quoteId
		}, &reserved); err != nil {
			return err
		}
		if len(reserved) > 0 {
			secrets := make([]string, len(reserved))
			for i, proof := range reserved {
				secrets[i] = proof.Secret
			}
			if err := updateProofsTx(tx, mintURL, secrets, func(proof *DBProof) {
				proof.State = Spent
			}); err != nil {
				return err
			}
		}

		if len(changeProofs) > 0 {
			if err := saveProofsTx(tx, changeProofs); err != nil {
				return err
			}
		}
		return updateQuoteHistoryTx(tx, mintURL, quoteId, HistoryMelt, nut05.Paid.String())
	})
}

func (db *BoltDB) RevertMeltQuote(mintURL, quoteId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if err := updateMeltQuoteTx(tx, mintURL, quoteId, "", nut05.Unpaid); err != nil {
			return err
		}

		reserved := []DBProof{}
		if err := collectProofs(tx, mintURL, func(proof DBProof) bool {
			return proof.MeltQuoteId == quoteId
		}, &reserved); err != nil {
			return err
		}
		if len(reserved) > 0 {
			secrets := make([]string, len(reserved))
			for i, proof := range reserved {
				secrets[i] = proof.Secret
			}
			if err := updateProofsTx(tx, mintURL, secrets, func(proof *DBProof) {
				proof.State = Ready
				proof.MeltQuoteId = ""
			}); err != nil {
				return err
			}
		}
		return updateQuoteHistoryTx(tx, mintURL, quoteId, HistoryMelt, nut05.Unpaid.String())
	})
}
