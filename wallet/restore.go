package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutw/cashu"
	"github.com/elnosh/nutw/cashu/nuts/nut07"
	"github.com/elnosh/nutw/cashu/nuts/nut09"
	"github.com/elnosh/nutw/cashu/nuts/nut13"
	"github.com/elnosh/nutw/crypto"
	"github.com/elnosh/nutw/wallet/storage"
	"github.com/tyler-smith/go-bip39"
)

const restoreBatchSize = 100

// Restore recreates a wallet from its mnemonic by asking the listed
// mints for the signatures they issued to this seed. Derivation
// counters are replayed in batches until several consecutive batches
// come back empty. It refuses to overwrite an existing wallet.
func Restore(ctx context.Context, config Config, mnemonic string, mintsToRestore []string) (uint64, error) {
	for _, dbfile := range []string{"wallet.db", "wallet.sqlite.db"} {
		if _, err := os.Stat(filepath.Join(config.WalletPath, dbfile)); err == nil {
			return 0, errors.New("wallet already exists")
		}
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return 0, errors.New("invalid mnemonic")
	}

	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return 0, err
	}
	db, err := initStorage(config.WalletPath, config.DBEngine)
	if err != nil {
		return 0, fmt.Errorf("error restoring wallet: %v", err)
	}
	defer db.Close()

	client := config.Client
	if client == nil {
		client = NewMintClient()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return 0, err
	}
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		return 0, err
	}

	var restoredAmount uint64
	for _, mintURL := range mintsToRestore {
		mintURL = normalizeMintURL(mintURL)

		mintInfo, err := client.GetMintInfo(ctx, mintURL)
		if err != nil {
			return restoredAmount, fmt.Errorf("error getting info from mint: %v", err)
		}
		if !mintInfo.Nuts.Nut07.Supported || !mintInfo.Nuts.Nut09.Supported {
			logger.Warn("mint does not support restoring from seed, skipping",
				slog.String("mint", mintURL))
			continue
		}

		infoBytes, err := json.Marshal(mintInfo)
		if err != nil {
			return restoredAmount, fmt.Errorf("invalid mint info: %v", err)
		}
		now := time.Now().Unix()
		if err := db.SaveMint(storage.Mint{
			URL:       mintURL,
			Name:      mintInfo.Name,
			MintInfo:  infoBytes,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return restoredAmount, err
		}

		keysetsRes, err := client.GetAllKeysets(ctx, mintURL)
		if err != nil {
			return restoredAmount, err
		}

		for _, keyset := range keysetsRes.Keysets {
			if keyset.Unit != cashu.Sat.String() {
				continue
			}
			if _, err := hex.DecodeString(keyset.Id); err != nil {
				continue
			}

			amount, err := restoreKeyset(ctx, db, client, masterKey, mintURL, keyset.Id,
				keyset.Active, keyset.InputFeePpk)
			if err != nil {
				return restoredAmount, err
			}
			restoredAmount += amount
			if amount > 0 {
				logger.Info("restored proofs for keyset", slog.String("mint", mintURL),
					slog.String("keyset", keyset.Id), slog.Uint64("amount", amount))
			}
		}
	}

	return restoredAmount, nil
}

func restoreKeyset(ctx context.Context, db storage.WalletDB, client MintClient,
	masterKey *hdkeychain.ExtendedKey, mintURL, keysetId string, active bool, inputFeePpk uint) (uint64, error) {

	keysRes, err := client.GetKeysetById(ctx, mintURL, keysetId)
	if err != nil {
		return 0, err
	}
	if len(keysRes.Keysets) == 0 {
		return 0, &InvalidResponseError{
			Mint: mintURL,
			Err:  fmt.Errorf("mint did not return keys for keyset '%v'", keysetId),
		}
	}
	keys, err := crypto.MapPubKeys(keysRes.Keysets[0].Keys)
	if err != nil {
		return 0, &InvalidResponseError{Mint: mintURL, Err: err}
	}

	if err := db.SaveKeyset(storage.DBKeyset{
		Id:          keysetId,
		MintURL:     mintURL,
		Unit:        cashu.Sat.String(),
		Active:      active,
		InputFeePpk: inputFeePpk,
		UpdatedAt:   time.Now().Unix(),
	}); err != nil {
		return 0, err
	}

	keysetPath, err := nut13.DeriveKeysetPath(masterKey, keysetId)
	if err != nil {
		return 0, err
	}

	var restoredAmount uint64
	var counter uint32
	emptyBatches := 0
	for emptyBatches < 3 {
		secrets, rs, err := nut13.DeriveRange(keysetPath, counter, restoreBatchSize)
		if err != nil {
			return restoredAmount, err
		}

		blindedMessages := make(cashu.BlindedMessages, restoreBatchSize)
		for i := range secrets {
			B_, r, err := crypto.BlindMessage(secrets[i], rs[i])
			if err != nil {
				return restoredAmount, err
			}
			rs[i] = r
			blindedMessages[i] = cashu.BlindedMessage{
				B_: hex.EncodeToString(B_.SerializeCompressed()),
				Id: keysetId,
			}
		}

		restoreRes, err := client.PostRestore(ctx, mintURL, nut09.PostRestoreRequest{
			Outputs: blindedMessages,
		})
		if err != nil {
			return restoredAmount, fmt.Errorf("error restoring signatures from mint '%v': %v", mintURL, err)
		}

		counter += restoreBatchSize
		if len(restoreRes.Signatures) == 0 {
			emptyBatches++
			continue
		}
		emptyBatches = 0

		// the mint only returns signatures for outputs it has seen,
		// match them back to their secrets by blinded message
		indexByB := make(map[string]int, len(blindedMessages))
		for i, msg := range blindedMessages {
			indexByB[msg.B_] = i
		}

		Ys := make([]string, len(restoreRes.Signatures))
		proofsByY := make(map[string]cashu.Proof, len(restoreRes.Signatures))
		for i, signature := range restoreRes.Signatures {
			idx, ok := indexByB[restoreRes.Outputs[i].B_]
			if !ok {
				return restoredAmount, &InvalidResponseError{
					Mint: mintURL,
					Err:  errors.New("restore response contains unknown output"),
				}
			}

			K, ok := keys[signature.Amount]
			if !ok {
				return restoredAmount, &InvalidResponseError{
					Mint: mintURL,
					Err:  fmt.Errorf("no mint key for amount '%v'", signature.Amount),
				}
			}
			C_bytes, err := hex.DecodeString(signature.C_)
			if err != nil {
				return restoredAmount, err
			}
			C_, err := secp256k1.ParsePubKey(C_bytes)
			if err != nil {
				return restoredAmount, err
			}
			C := crypto.UnblindSignature(C_, rs[idx], K)

			Y, err := crypto.HashToCurve([]byte(secrets[idx]))
			if err != nil {
				return restoredAmount, err
			}
			Yhex := hex.EncodeToString(Y.SerializeCompressed())
			Ys[i] = Yhex
			proofsByY[Yhex] = cashu.Proof{
				Amount: signature.Amount,
				Id:     signature.Id,
				Secret: secrets[idx],
				C:      hex.EncodeToString(C.SerializeCompressed()),
			}
		}

		stateRes, err := client.PostCheckProofState(ctx, mintURL, nut07.PostCheckStateRequest{Ys: Ys})
		if err != nil {
			return restoredAmount, err
		}

		unspent := cashu.Proofs{}
		for _, proofState := range stateRes.States {
			if proofState.State == nut07.Unspent {
				unspent = append(unspent, proofsByY[proofState.Y])
			}
		}

		if len(unspent) > 0 {
			if err := db.SaveProofs(toDBProofs(unspent, mintURL, storage.Ready, "")); err != nil {
				return restoredAmount, fmt.Errorf("error saving restored proofs: %v", err)
			}
			restoredAmount += unspent.Amount()
		}

		// move the counter past the replayed range so new outputs
		// never reuse restored secrets
		if err := db.SetCounter(mintURL, keysetId, counter); err != nil {
			return restoredAmount, err
		}
	}

	return restoredAmount, nil
}
