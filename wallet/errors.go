package wallet

import (
	"errors"
	"fmt"
)

var (
	ErrMintNotExist            = errors.New("mint does not exist")
	ErrInsufficientMintBalance = errors.New("not enough funds in selected mint")
	ErrQuoteNotFound           = errors.New("quote not found")
	ErrQuoteAlreadyIssued      = errors.New("ecash already issued for quote")
	ErrQuoteNotPaid            = errors.New("quote has not been paid")
	ErrMintBalanceExists       = errors.New("mint still has a balance, spend it before removing the mint")
	ErrMnemonicNotExist        = errors.New("mnemonic does not exist")
)

// ConnectionError reports that a mint could not be reached. Operations
// failing with it made no local state change and can be retried.
type ConnectionError struct {
	Mint string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not reach mint '%v': %v", e.Mint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// InvalidResponseError reports a response from a mint that could not be
// parsed or violated the protocol.
type InvalidResponseError struct {
	Mint string
	Err  error
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid response from mint '%v': %v", e.Mint, e.Err)
}

func (e *InvalidResponseError) Unwrap() error {
	return e.Err
}
