// Package sqlite implements the wallet storage contract on sqlite.
package sqlite

import (
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/elnosh/nutw/cashu"
	"github.com/elnosh/nutw/cashu/nuts/nut04"
	"github.com/elnosh/nutw/cashu/nuts/nut05"
	"github.com/elnosh/nutw/wallet/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "wallet.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// sqlite allows one writer at a time. Run everything on a single
	// connection so concurrent statements queue instead of failing
	// with a locked database.
	db.SetMaxOpenConns(1)

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) SaveMint(mint storage.Mint) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO mints (url, name, mint_info, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET name = excluded.name, mint_info = excluded.mint_info,
		updated_at = excluded.updated_at`,
		mint.URL, mint.Name, mint.MintInfo, mint.CreatedAt, mint.UpdatedAt,
	)
	return err
}

func (sqlite *SQLiteDB) GetMint(mintURL string) (*storage.Mint, error) {
	row := sqlite.db.QueryRow(
		"SELECT url, name, mint_info, created_at, updated_at FROM mints WHERE url = ?", mintURL)

	var mint storage.Mint
	err := row.Scan(&mint.URL, &mint.Name, &mint.MintInfo, &mint.CreatedAt, &mint.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrMintNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mint, nil
}

func (sqlite *SQLiteDB) GetMints() ([]storage.Mint, error) {
	mints := []storage.Mint{}

	rows, err := sqlite.db.Query("SELECT url, name, mint_info, created_at, updated_at FROM mints")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var mint storage.Mint
		if err := rows.Scan(&mint.URL, &mint.Name, &mint.MintInfo, &mint.CreatedAt, &mint.UpdatedAt); err != nil {
			return nil, err
		}
		mints = append(mints, mint)
	}
	return mints, rows.Err()
}

func (sqlite *SQLiteDB) DeleteMint(mintURL string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM mints WHERE url = ?", mintURL)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrMintNotFound
	}
	if _, err := tx.Exec("DELETE FROM keysets WHERE mint_url = ?", mintURL); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM proofs WHERE mint_url = ?", mintURL); err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	var publicKeys []byte
	if keyset.PublicKeys != nil {
		jsonKeys, err := json.Marshal(keyset.PublicKeys)
		if err != nil {
			return fmt.Errorf("invalid keyset: %v", err)
		}
		publicKeys = jsonKeys
	}

	_, err := sqlite.db.Exec(`
		INSERT INTO keysets (id, mint_url, active, public_keys, input_fee_ppk, updated_at, unit)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mint_url, id) DO UPDATE SET active = excluded.active,
		input_fee_ppk = excluded.input_fee_ppk, updated_at = excluded.updated_at`,
		keyset.Id, keyset.MintURL, keyset.Active, publicKeys,
		keyset.InputFeePpk, keyset.UpdatedAt, keyset.Unit,
	)
	return err
}

func scanKeyset(row interface{ Scan(...any) error }) (*storage.DBKeyset, error) {
	var keyset storage.DBKeyset
	var publicKeys []byte
	err := row.Scan(
		&keyset.Id,
		&keyset.MintURL,
		&keyset.Active,
		&publicKeys,
		&keyset.InputFeePpk,
		&keyset.UpdatedAt,
		&keyset.Unit,
	)
	if err != nil {
		return nil, err
	}
	if len(publicKeys) > 0 {
		if err := json.Unmarshal(publicKeys, &keyset.PublicKeys); err != nil {
			return nil, err
		}
	}
	return &keyset, nil
}

const keysetColumns = "id, mint_url, active, public_keys, input_fee_ppk, updated_at, unit"

func (sqlite *SQLiteDB) GetKeysets(mintURL string) ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := sqlite.db.Query(
		"SELECT "+keysetColumns+" FROM keysets WHERE mint_url = ?", mintURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		keyset, err := scanKeyset(rows)
		if err != nil {
			return nil, err
		}
		keysets = append(keysets, *keyset)
	}
	return keysets, rows.Err()
}

func (sqlite *SQLiteDB) GetKeyset(mintURL, keysetId string) (*storage.DBKeyset, error) {
	row := sqlite.db.QueryRow(
		"SELECT "+keysetColumns+" FROM keysets WHERE mint_url = ? AND id = ?", mintURL, keysetId)

	keyset, err := scanKeyset(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrKeysetNotFound
	}
	if err != nil {
		return nil, err
	}
	return keyset, nil
}

func (sqlite *SQLiteDB) UpdateKeysetActive(mintURL, keysetId string, active bool) error {
	result, err := sqlite.db.Exec(
		"UPDATE keysets SET active = ? WHERE mint_url = ? AND id = ?", active, mintURL, keysetId)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrKeysetNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) ReserveCounterValues(mintURL, keysetId string, count uint32) (uint32, error) {
	row := sqlite.db.QueryRow(`
		INSERT INTO counters (mint_url, keyset_id, counter) VALUES (?, ?, ?)
		ON CONFLICT(mint_url, keyset_id) DO UPDATE SET counter = counter + excluded.counter
		RETURNING counter`,
		mintURL, keysetId, count,
	)

	var counter uint32
	if err := row.Scan(&counter); err != nil {
		return 0, err
	}
	return counter - count, nil
}

func (sqlite *SQLiteDB) GetCounter(mintURL, keysetId string) (uint32, error) {
	row := sqlite.db.QueryRow(
		"SELECT counter FROM counters WHERE mint_url = ? AND keyset_id = ?", mintURL, keysetId)

	var counter uint32
	err := row.Scan(&counter)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return counter, nil
}

func (sqlite *SQLiteDB) SetCounter(mintURL, keysetId string, counter uint32) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO counters (mint_url, keyset_id, counter) VALUES (?, ?, ?)
		ON CONFLICT(mint_url, keyset_id) DO UPDATE SET counter = excluded.counter`,
		mintURL, keysetId, counter,
	)
	return err
}

func saveProofsTx(tx *sql.Tx, proofs []storage.DBProof) error {
	// check every secret before writing any row so the whole batch
	// fails cleanly on a replayed proof
	checkStmt, err := tx.Prepare("SELECT 1 FROM proofs WHERE mint_url = ? AND secret = ?")
	if err != nil {
		return err
	}
	defer checkStmt.Close()

	for _, proof := range proofs {
		var one int
		err := checkStmt.QueryRow(proof.MintURL, proof.Secret).Scan(&one)
		if err == nil {
			return &storage.DuplicateProofError{Mint: proof.MintURL, Secret: proof.Secret}
		}
		if err != sql.ErrNoRows {
			return err
		}
	}

	stmt, err := tx.Prepare(`
		INSERT INTO proofs
		(secret, mint_url, amount, keyset_id, c, dleq_e, dleq_s, dleq_r, witness, state, melt_quote_id, reserved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		var e, s, r sql.NullString
		if proof.DLEQ != nil {
			e = sql.NullString{String: proof.DLEQ.E, Valid: true}
			s = sql.NullString{String: proof.DLEQ.S, Valid: true}
			r = sql.NullString{String: proof.DLEQ.R, Valid: proof.DLEQ.R != ""}
		}
		_, err := stmt.Exec(
			proof.Secret, proof.MintURL, proof.Amount, proof.Id, proof.C,
			e, s, r, proof.Witness, proof.State.String(), proof.MeltQuoteId,
			proof.ReservedAt, proof.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (sqlite *SQLiteDB) SaveProofs(proofs []storage.DBProof) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveProofsTx(tx, proofs); err != nil {
		return err
	}
	return tx.Commit()
}

const proofColumns = "secret, mint_url, amount, keyset_id, c, dleq_e, dleq_s, dleq_r, witness, state, melt_quote_id, reserved_at, created_at"

func scanProofs(rows *sql.Rows) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	for rows.Next() {
		var proof storage.DBProof
		var e, s, r sql.NullString
		var state string
		err := rows.Scan(
			&proof.Secret,
			&proof.MintURL,
			&proof.Amount,
			&proof.Id,
			&proof.C,
			&e,
			&s,
			&r,
			&proof.Witness,
			&state,
			&proof.MeltQuoteId,
			&proof.ReservedAt,
			&proof.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		proof.State = storage.StringToProofState(state)
		if e.Valid && s.Valid {
			proof.DLEQ = &cashu.DLEQProof{E: e.String, S: s.String, R: r.String}
		}
		proofs = append(proofs, proof)
	}
	return proofs, rows.Err()
}

func (sqlite *SQLiteDB) GetProofs(mintURL string, state storage.ProofState) ([]storage.DBProof, error) {
	rows, err := sqlite.db.Query(
		"SELECT "+proofColumns+" FROM proofs WHERE mint_url = ? AND state = ?",
		mintURL, state.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProofs(rows)
}

func (sqlite *SQLiteDB) GetProofsByKeyset(mintURL, keysetId string, state storage.ProofState) ([]storage.DBProof, error) {
	rows, err := sqlite.db.Query(
		"SELECT "+proofColumns+" FROM proofs WHERE mint_url = ? AND keyset_id = ? AND state = ?",
		mintURL, keysetId, state.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProofs(rows)
}

func (sqlite *SQLiteDB) GetAllProofs(state storage.ProofState) ([]storage.DBProof, error) {
	rows, err := sqlite.db.Query(
		"SELECT "+proofColumns+" FROM proofs WHERE state = ?", state.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProofs(rows)
}

func (sqlite *SQLiteDB) GetProofsByMeltQuote(mintURL, quoteId string) ([]storage.DBProof, error) {
	rows, err := sqlite.db.Query(
		"SELECT "+proofColumns+" FROM proofs WHERE mint_url = ? AND melt_quote_id = ?",
		mintURL, quoteId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProofs(rows)
}

func updateProofsTx(tx *sql.Tx, mintURL string, secrets []string, query string, args ...any) error {
	stmt, err := tx.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, secret := range secrets {
		stmtArgs := append(append([]any{}, args...), mintURL, secret)
		result, err := stmt.Exec(stmtArgs...)
		if err != nil {
			return err
		}
		count, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if count != 1 {
			return storage.ErrProofNotFound
		}
	}
	return nil
}

func (sqlite *SQLiteDB) UpdateProofsState(mintURL string, secrets []string, state storage.ProofState) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := "UPDATE proofs SET state = ? WHERE mint_url = ? AND secret = ?"
	if state != storage.Inflight {
		// leaving inflight ends any swap reservation
		query = "UPDATE proofs SET state = ?, reserved_at = 0 WHERE mint_url = ? AND secret = ?"
	}
	err = updateProofsTx(tx, mintURL, secrets, query, state.String())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) ReserveProofsForSwap(mintURL string, secrets []string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = updateProofsTx(tx, mintURL, secrets,
		"UPDATE proofs SET state = ?, reserved_at = ? WHERE mint_url = ? AND secret = ?",
		storage.Inflight.String(), time.Now().Unix())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) ReserveProofsForMelt(mintURL string, secrets []string, meltQuoteId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = updateProofsTx(tx, mintURL, secrets,
		"UPDATE proofs SET state = ?, melt_quote_id = ? WHERE mint_url = ? AND secret = ?",
		storage.Inflight.String(), meltQuoteId)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) DeleteProofs(mintURL string, secrets []string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("DELETE FROM proofs WHERE mint_url = ? AND secret = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, secret := range secrets {
		if _, err := stmt.Exec(mintURL, secret); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) SaveMintQuote(quote storage.MintQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO mint_quotes
		(id, mint_url, method, state, unit, payment_request, amount, expiry, pubkey, keyset_id, counter, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		quote.QuoteId, quote.Mint, quote.Method, quote.State.String(), quote.Unit,
		quote.PaymentRequest, quote.Amount, quote.Expiry, quote.Pubkey,
		quote.KeysetId, quote.Counter, quote.CreatedAt,
	)
	return err
}

const mintQuoteColumns = "id, mint_url, method, state, unit, payment_request, amount, expiry, pubkey, keyset_id, counter, created_at"

func scanMintQuote(row interface{ Scan(...any) error }) (*storage.MintQuote, error) {
	var quote storage.MintQuote
	var state string
	err := row.Scan(
		&quote.QuoteId,
		&quote.Mint,
		&quote.Method,
		&state,
		&quote.Unit,
		&quote.PaymentRequest,
		&quote.Amount,
		&quote.Expiry,
		&quote.Pubkey,
		&quote.KeysetId,
		&quote.Counter,
		&quote.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	quote.State = nut04.StringToState(state)
	return &quote, nil
}

func (sqlite *SQLiteDB) GetMintQuote(mintURL, quoteId string) (*storage.MintQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE mint_url = ? AND id = ?",
		mintURL, quoteId)

	quote, err := scanMintQuote(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrQuoteNotFound
	}
	if err != nil {
		return nil, err
	}
	return quote, nil
}

func (sqlite *SQLiteDB) GetMintQuotes(mintURL string) ([]storage.MintQuote, error) {
	return sqlite.getMintQuotes(
		"SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE mint_url = ?", mintURL)
}

func (sqlite *SQLiteDB) GetMintQuotesByState(state nut04.State) ([]storage.MintQuote, error) {
	return sqlite.getMintQuotes(
		"SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE state = ?", state.String())
}

func (sqlite *SQLiteDB) getMintQuotes(query string, args ...any) ([]storage.MintQuote, error) {
	quotes := []storage.MintQuote{}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		quote, err := scanMintQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, *quote)
	}
	return quotes, rows.Err()
}

func updateMintQuoteStateTx(tx *sql.Tx, mintURL, quoteId string, state nut04.State) error {
	result, err := tx.Exec(
		"UPDATE mint_quotes SET state = ? WHERE mint_url = ? AND id = ?",
		state.String(), mintURL, quoteId)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) UpdateMintQuoteState(mintURL, quoteId string, state nut04.State) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateMintQuoteStateTx(tx, mintURL, quoteId, state); err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) SetMintQuoteOutputs(mintURL, quoteId, keysetId string, counter uint32) error {
	result, err := sqlite.db.Exec(
		"UPDATE mint_quotes SET keyset_id = ?, counter = ? WHERE mint_url = ? AND id = ?",
		keysetId, counter, mintURL, quoteId)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) SaveMeltQuote(quote storage.MeltQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO melt_quotes
		(id, mint_url, method, state, unit, payment_request, amount, fee_reserve, expiry, preimage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		quote.QuoteId, quote.Mint, quote.Method, quote.State.String(), quote.Unit,
		quote.PaymentRequest, quote.Amount, quote.FeeReserve, quote.Expiry,
		quote.Preimage, quote.CreatedAt,
	)
	return err
}

const meltQuoteColumns = "id, mint_url, method, state, unit, payment_request, amount, fee_reserve, expiry, preimage, created_at"

func scanMeltQuote(row interface{ Scan(...any) error }) (*storage.MeltQuote, error) {
	var quote storage.MeltQuote
	var state string
	err := row.Scan(
		&quote.QuoteId,
		&quote.Mint,
		&quote.Method,
		&state,
		&quote.Unit,
		&quote.PaymentRequest,
		&quote.Amount,
		&quote.FeeReserve,
		&quote.Expiry,
		&quote.Preimage,
		&quote.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	quote.State = nut05.StringToState(state)
	return &quote, nil
}

func (sqlite *SQLiteDB) GetMeltQuote(mintURL, quoteId string) (*storage.MeltQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE mint_url = ? AND id = ?",
		mintURL, quoteId)

	quote, err := scanMeltQuote(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrQuoteNotFound
	}
	if err != nil {
		return nil, err
	}
	return quote, nil
}

func (sqlite *SQLiteDB) GetMeltQuotesByState(state nut05.State) ([]storage.MeltQuote, error) {
	quotes := []storage.MeltQuote{}

	rows, err := sqlite.db.Query(
		"SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE state = ?", state.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		quote, err := scanMeltQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, *quote)
	}
	return quotes, rows.Err()
}

func updateMeltQuoteTx(tx *sql.Tx, mintURL, quoteId, preimage string, state nut05.State) error {
	var result sql.Result
	var err error
	if preimage != "" {
		result, err = tx.Exec(
			"UPDATE melt_quotes SET state = ?, preimage = ? WHERE mint_url = ? AND id = ?",
			state.String(), preimage, mintURL, quoteId)
	} else {
		result, err = tx.Exec(
			"UPDATE melt_quotes SET state = ? WHERE mint_url = ? AND id = ?",
			state.String(), mintURL, quoteId)
	}
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrQuoteNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) UpdateMeltQuote(mintURL, quoteId, preimage string, state nut05.State) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateMeltQuoteTx(tx, mintURL, quoteId, preimage, state); err != nil {
		return err
	}
	return tx.Commit()
}

func newHistoryId() string {
	idBytes := make([]byte, 16)
	rand.Read(idBytes)
	return hex.EncodeToString(idBytes)
}

func saveHistoryTx(tx *sql.Tx, entry storage.HistoryEntry) error {
	if entry.Id == "" {
		entry.Id = newHistoryId()
	}
	_, err := tx.Exec(`
		INSERT INTO history
		(id, type, mint_url, unit, amount, created_at, quote_id, quote_state, token, memo)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Id, entry.Type.String(), entry.Mint, entry.Unit, entry.Amount,
		entry.CreatedAt, entry.QuoteId, entry.QuoteState, entry.Token, entry.Memo,
	)
	return err
}

func (sqlite *SQLiteDB) SaveHistoryEntry(entry storage.HistoryEntry) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveHistoryTx(tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

const historyColumns = "id, type, mint_url, unit, amount, created_at, quote_id, quote_state, token, memo"

func scanHistoryEntry(row interface{ Scan(...any) error }) (*storage.HistoryEntry, error) {
	var entry storage.HistoryEntry
	var entryType string
	err := row.Scan(
		&entry.Id,
		&entryType,
		&entry.Mint,
		&entry.Unit,
		&entry.Amount,
		&entry.CreatedAt,
		&entry.QuoteId,
		&entry.QuoteState,
		&entry.Token,
		&entry.Memo,
	)
	if err != nil {
		return nil, err
	}
	entry.Type = storage.StringToHistoryType(entryType)
	return &entry, nil
}

func (sqlite *SQLiteDB) GetHistory(limit, offset int) ([]storage.HistoryEntry, error) {
	return sqlite.getHistory(
		"SELECT "+historyColumns+" FROM history ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, offset)
}

func (sqlite *SQLiteDB) GetHistoryByMint(mintURL string, limit, offset int) ([]storage.HistoryEntry, error) {
	return sqlite.getHistory(
		"SELECT "+historyColumns+" FROM history WHERE mint_url = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		mintURL, limit, offset)
}

func (sqlite *SQLiteDB) getHistory(query string, args ...any) ([]storage.HistoryEntry, error) {
	entries := []storage.HistoryEntry{}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (sqlite *SQLiteDB) GetQuoteHistoryEntry(mintURL, quoteId string, entryType storage.HistoryType) (*storage.HistoryEntry, error) {
	row := sqlite.db.QueryRow(
		"SELECT "+historyColumns+" FROM history WHERE mint_url = ? AND quote_id = ? AND type = ?",
		mintURL, quoteId, entryType.String())

	entry, err := scanHistoryEntry(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrHistoryNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func updateQuoteHistoryTx(tx *sql.Tx, mintURL, quoteId string, entryType storage.HistoryType, quoteState string) error {
	result, err := tx.Exec(
		"UPDATE history SET quote_state = ? WHERE mint_url = ? AND quote_id = ? AND type = ?",
		quoteState, mintURL, quoteId, entryType.String())
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrHistoryNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) UpdateQuoteHistoryState(mintURL, quoteId string, entryType storage.HistoryType, quoteState string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateQuoteHistoryTx(tx, mintURL, quoteId, entryType, quoteState); err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	hexSeed := hex.EncodeToString(seed)
	_, err := sqlite.db.Exec(`
		INSERT INTO seed (id, mnemonic, seed) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET mnemonic = excluded.mnemonic, seed = excluded.seed`,
		"id", mnemonic, hexSeed,
	)
	return err
}

func (sqlite *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = ?", "id")
	err := row.Scan(&hexSeed)
	if err == sql.ErrNoRows {
		return nil, storage.ErrMnemonicNotExists
	}
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(hexSeed)
}

func (sqlite *SQLiteDB) GetMnemonic() (string, error) {
	var mnemonic string
	row := sqlite.db.QueryRow("SELECT mnemonic FROM seed WHERE id = ?", "id")
	err := row.Scan(&mnemonic)
	if err == sql.ErrNoRows {
		return "", storage.ErrMnemonicNotExists
	}
	if err != nil {
		return "", err
	}
	return mnemonic, nil
}

func (sqlite *SQLiteDB) CompleteSwap(mintURL string, spentSecrets []string, newProofs []storage.DBProof, entry storage.HistoryEntry) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = updateProofsTx(tx, mintURL, spentSecrets,
		"UPDATE proofs SET state = ?, reserved_at = 0 WHERE mint_url = ? AND secret = ?",
		storage.Spent.String())
	if err != nil {
		return err
	}
	if err := saveProofsTx(tx, newProofs); err != nil {
		return err
	}
	if err := saveHistoryTx(tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) CompleteMintQuote(mintURL, quoteId string, newProofs []storage.DBProof) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateMintQuoteStateTx(tx, mintURL, quoteId, nut04.Issued); err != nil {
		return err
	}
	if err := saveProofsTx(tx, newProofs); err != nil {
		return err
	}
	err = updateQuoteHistoryTx(tx, mintURL, quoteId, storage.HistoryMint, nut04.Issued.String())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) CompleteMeltQuote(mintURL, quoteId, preimage string, changeProofs []storage.DBProof) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateMeltQuoteTx(tx, mintURL, quoteId, preimage, nut05.Paid); err != nil {
		return err
	}
	_, err = tx.Exec(
		"UPDATE proofs SET state = ? WHERE mint_url = ? AND melt_quote_id = ?",
		storage.Spent.String(), mintURL, quoteId)
	if err != nil {
		return err
	}
	if len(changeProofs) > 0 {
		if err := saveProofsTx(tx, changeProofs); err != nil {
			return err
		}
	}
	err = updateQuoteHistoryTx(tx, mintURL, quoteId, storage.HistoryMelt, nut05.Paid.String())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) RevertMeltQuote(mintURL, quoteId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateMeltQuoteTx(tx, mintURL, quoteId, "", nut05.Unpaid); err != nil {
		return err
	}
	_, err = tx.Exec(
		"UPDATE proofs SET state = ?, melt_quote_id = '' WHERE mint_url = ? AND melt_quote_id = ?",
		storage.Ready.String(), mintURL, quoteId)
	if err != nil {
		return err
	}
	err = updateQuoteHistoryTx(tx, mintURL, quoteId, storage.HistoryMelt, nut05.Unpaid.String())
	if err != nil {
		return err
	}
	return tx.Commit()
}
