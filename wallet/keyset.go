package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/nutw/cashu"
	"github.com/elnosh/nutw/crypto"
	"github.com/elnosh/nutw/wallet/storage"
)

// fetchMintKeysets gets the keysets of a mint, verifies the active
// keyset id against its keys and returns the mint's in-memory view.
func (m *Manager) fetchMintKeysets(ctx context.Context, mintURL string) (*walletMint, error) {
	allKeysets, err := m.client.GetAllKeysets(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	activeKeysets, err := m.client.GetActiveKeysets(ctx, mintURL)
	if err != nil {
		return nil, err
	}

	wm := &walletMint{
		mintURL:         mintURL,
		inactiveKeysets: make(map[string]crypto.WalletKeyset),
	}

	for _, keysetRes := range activeKeysets.Keysets {
		if keysetRes.Unit != m.unit.String() {
			continue
		}
		if _, err := hex.DecodeString(keysetRes.Id); err != nil {
			continue
		}

		keys, err := crypto.MapPubKeys(keysetRes.Keys)
		if err != nil {
			return nil, &InvalidResponseError{Mint: mintURL, Err: err}
		}
		derivedId := crypto.DeriveKeysetId(keys)
		if derivedId != keysetRes.Id {
			return nil, &InvalidResponseError{
				Mint: mintURL,
				Err:  fmt.Errorf("derived keyset id '%v' does not match '%v'", derivedId, keysetRes.Id),
			}
		}

		var inputFeePpk uint
		for _, keyset := range allKeysets.Keysets {
			if keyset.Id == keysetRes.Id {
				inputFeePpk = keyset.InputFeePpk
				break
			}
		}

		wm.activeKeyset = crypto.WalletKeyset{
			Id:          keysetRes.Id,
			MintURL:     mintURL,
			Unit:        keysetRes.Unit,
			Active:      true,
			PublicKeys:  keys,
			InputFeePpk: inputFeePpk,
		}
	}
	if wm.activeKeyset.Id == "" {
		return nil, &InvalidResponseError{
			Mint: mintURL,
			Err:  errors.New("mint has no active keyset for unit " + m.unit.String()),
		}
	}

	for _, keyset := range allKeysets.Keysets {
		if keyset.Active || keyset.Unit != m.unit.String() {
			continue
		}
		if _, err := hex.DecodeString(keyset.Id); err != nil {
			continue
		}
		wm.inactiveKeysets[keyset.Id] = crypto.WalletKeyset{
			Id:          keyset.Id,
			MintURL:     mintURL,
			Unit:        keyset.Unit,
			Active:      false,
			InputFeePpk: keyset.InputFeePpk,
		}
	}

	return wm, nil
}

func (m *Manager) saveMintKeysets(wm *walletMint) error {
	if err := m.db.SaveKeyset(toDBKeyset(wm.activeKeyset)); err != nil {
		return err
	}
	for _, keyset := range wm.inactiveKeysets {
		if err := m.db.SaveKeyset(toDBKeyset(keyset)); err != nil {
			return err
		}
	}
	return nil
}

// getActiveKeyset returns the active keyset of the mint, refreshing
// from the mint when the active keyset has rotated. A rotation
// inactivates the old keyset in the db so proofs signed by it get
// drained first by proof selection.
func (m *Manager) getActiveKeyset(ctx context.Context, mint *walletMint) (*crypto.WalletKeyset, error) {
	allKeysets, err := m.client.GetAllKeysets(ctx, mint.mintURL)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	current := mint.activeKeyset
	m.mu.Unlock()
	rotated := true
	for _, keyset := range allKeysets.Keysets {
		if keyset.Active && keyset.Id == current.Id {
			rotated = false
			break
		}
	}
	if !rotated {
		return &current, nil
	}

	fresh, err := m.fetchMintKeysets(ctx, mint.mintURL)
	if err != nil {
		return nil, err
	}

	current.Active = false
	if err := m.db.UpdateKeysetActive(mint.mintURL, current.Id, false); err != nil {
		return nil, err
	}
	if err := m.saveMintKeysets(fresh); err != nil {
		return nil, err
	}

	m.mu.Lock()
	mint.inactiveKeysets[current.Id] = current
	mint.activeKeyset = fresh.activeKeyset
	m.mu.Unlock()

	m.logger.Info("mint rotated keyset", "mint", mint.mintURL,
		"previous", current.Id, "active", fresh.activeKeyset.Id)
	return &fresh.activeKeyset, nil
}

// keysetKeys returns the keyset with its public keys, whether it is
// the mint's active keyset or one the mint has since rotated out.
func (m *Manager) keysetKeys(ctx context.Context, mint *walletMint, id string) (*crypto.WalletKeyset, error) {
	snap := m.mintSnapshot(mint)
	if snap.activeKeyset.Id == id {
		keyset := snap.activeKeyset
		return &keyset, nil
	}
	if keyset, ok := snap.inactiveKeysets[id]; ok && len(keyset.PublicKeys) > 0 {
		return &keyset, nil
	}
	return m.getKeysetKeys(ctx, mint.mintURL, id)
}

// getKeysetKeys fetches and validates the public keys of one keyset.
// Used when restoring proofs from inactive keysets.
func (m *Manager) getKeysetKeys(ctx context.Context, mintURL, id string) (*crypto.WalletKeyset, error) {
	keysetRes, err := m.client.GetKeysetById(ctx, mintURL, id)
	if err != nil {
		return nil, err
	}
	if len(keysetRes.Keysets) == 0 || keysetRes.Keysets[0].Unit != cashu.Sat.String() {
		return nil, &InvalidResponseError{
			Mint: mintURL,
			Err:  fmt.Errorf("mint did not return keys for keyset '%v'", id),
		}
	}

	keys, err := crypto.MapPubKeys(keysetRes.Keysets[0].Keys)
	if err != nil {
		return nil, &InvalidResponseError{Mint: mintURL, Err: err}
	}
	return &crypto.WalletKeyset{
		Id:         id,
		MintURL:    mintURL,
		Unit:       keysetRes.Keysets[0].Unit,
		PublicKeys: keys,
	}, nil
}

func toDBKeyset(keyset crypto.WalletKeyset) storage.DBKeyset {
	publicKeys := make(map[uint64]string, len(keyset.PublicKeys))
	for amount, key := range keyset.PublicKeys {
		publicKeys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	return storage.DBKeyset{
		Id:          keyset.Id,
		MintURL:     keyset.MintURL,
		Unit:        keyset.Unit,
		Active:      keyset.Active,
		PublicKeys:  publicKeys,
		InputFeePpk: keyset.InputFeePpk,
		UpdatedAt:   time.Now().Unix(),
	}
}

func toWalletKeyset(keyset storage.DBKeyset) (*crypto.WalletKeyset, error) {
	walletKeyset := crypto.WalletKeyset{
		Id:          keyset.Id,
		MintURL:     keyset.MintURL,
		Unit:        keyset.Unit,
		Active:      keyset.Active,
		InputFeePpk: keyset.InputFeePpk,
	}
	if len(keyset.PublicKeys) > 0 {
		keys, err := crypto.MapPubKeys(keyset.PublicKeys)
		if err != nil {
			return nil, err
		}
		walletKeyset.PublicKeys = keys
	}
	return &walletKeyset, nil
}
