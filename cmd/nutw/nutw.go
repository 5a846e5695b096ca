package main

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/elnosh/nutw/wallet"
	"github.com/elnosh/nutw/wallet/storage"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var nutw *wallet.Manager

func walletConfig() wallet.Config {
	path := setWalletPath()
	config := wallet.Config{WalletPath: path, DBEngine: "bolt"}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}
	if len(envPath) > 0 {
		godotenv.Load(envPath)
	}

	if engine := os.Getenv("WALLET_DB_ENGINE"); len(engine) > 0 {
		config.DBEngine = engine
	}

	return config
}

func setWalletPath() string {
	if path := os.Getenv("WALLET_PATH"); len(path) > 0 {
		return path
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(homedir, ".nutw", "wallet")
}

func getMintURL(ctx *cli.Context) string {
	if ctx.IsSet(mintFlag) {
		return ctx.String(mintFlag)
	}
	if mintURL := os.Getenv("MINT_URL"); len(mintURL) > 0 {
		return mintURL
	}
	return "http://127.0.0.1:3338"
}

func setupWallet(ctx *cli.Context) error {
	config := walletConfig()

	var err error
	nutw, err = wallet.LoadWallet(config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "nutw",
		Usage: "cashu cli wallet",
		After: func(ctx *cli.Context) error {
			if nutw != nil {
				return nutw.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			mintsCmd,
			historyCmd,
			restoreCmd,
			mnemonicCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

const mintFlag = "mint"

var balanceCmd = &cli.Command{
	Name:   "balance",
	Before: setupWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balanceByMints, err := nutw.GetBalanceByMints()
	if err != nil {
		printErr(err)
	}

	mints := make([]string, 0, len(balanceByMints))
	for mint := range balanceByMints {
		mints = append(mints, mint)
	}
	sort.Strings(mints)

	var total uint64
	for _, mint := range mints {
		fmt.Printf("%v: %v sats\n", mint, balanceByMints[mint])
		total += balanceByMints[mint]
	}
	fmt.Printf("total: %v sats\n", total)
	return nil
}

const quoteFlag = "quote"

var mintCmd = &cli.Command{
	Name:      "mint",
	ArgsUsage: "[amount]",
	Usage:     "Requests a mint quote. After paying the invoice, mint the ecash with the --quote flag",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Mint to request the quote from",
		},
		&cli.StringFlag{
			Name:  quoteFlag,
			Usage: "Quote id of a paid invoice to mint the ecash",
		},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	mintURL := getMintURL(ctx)

	// if quote id was passed, redeem the ecash for that quote
	if ctx.IsSet(quoteFlag) {
		amount, err := nutw.MintTokens(ctx.Context, mintURL, ctx.String(quoteFlag))
		if err != nil {
			printErr(err)
		}
		fmt.Printf("%v sats successfully minted\n", amount)
		return nil
	}

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	quote, err := nutw.RequestMint(ctx.Context, mintURL, amount)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", quote.PaymentRequest)
	fmt.Printf("after paying the invoice you can mint the ecash with '--quote %v'\n", quote.QuoteId)
	return nil
}

const memoFlag = "memo"

var sendCmd = &cli.Command{
	Name:      "send",
	ArgsUsage: "[amount]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Mint to send the ecash from",
		},
		&cli.StringFlag{
			Name:  memoFlag,
			Usage: "Memo to include in the token",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	sendAmount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	token, err := nutw.Send(ctx.Context, getMintURL(ctx), sendAmount, ctx.String(memoFlag))
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v\n", token)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	ArgsUsage: "[token]",
	Before:    setupWallet,
	Action:    receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	amount, err := nutw.Receive(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v sats received\n", amount)
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	ArgsUsage: "[invoice]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Mint to melt the ecash from",
		},
	},
	Action: pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}

	mintURL := getMintURL(ctx)
	quote, err := nutw.RequestMeltQuote(ctx.Context, mintURL, args.First())
	if err != nil {
		printErr(err)
	}

	meltResult, err := nutw.Melt(ctx.Context, mintURL, quote.QuoteId)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("payment state: %v\n", meltResult.State)
	if len(meltResult.Preimage) > 0 {
		fmt.Printf("preimage: %v\n", meltResult.Preimage)
	}
	return nil
}

const (
	addMintFlag    = "add"
	removeMintFlag = "remove"
)

var mintsCmd = &cli.Command{
	Name:   "mints",
	Usage:  "List trusted mints. Add or remove mints with the --add and --remove flags",
	Before: setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  addMintFlag,
			Usage: "Mint url to add to the list of trusted mints",
		},
		&cli.StringFlag{
			Name:  removeMintFlag,
			Usage: "Mint url to remove from the list of trusted mints",
		},
	},
	Action: mints,
}

func mints(ctx *cli.Context) error {
	if ctx.IsSet(addMintFlag) {
		mint, err := nutw.AddMint(ctx.Context, ctx.String(addMintFlag))
		if err != nil {
			printErr(err)
		}
		fmt.Printf("added mint: %v\n", mint.URL)
		return nil
	}

	if ctx.IsSet(removeMintFlag) {
		if err := nutw.RemoveMint(ctx.String(removeMintFlag)); err != nil {
			printErr(err)
		}
		fmt.Println("mint removed")
		return nil
	}

	for _, mint := range nutw.TrustedMints() {
		fmt.Println(mint)
	}
	return nil
}

var historyCmd = &cli.Command{
	Name:   "history",
	Before: setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Only show history for this mint",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Max number of entries to show",
			Value: 20,
		},
		&cli.IntFlag{
			Name:  "offset",
			Usage: "Number of entries to skip",
		},
	},
	Action: history,
}

func history(ctx *cli.Context) error {
	limit, offset := ctx.Int("limit"), ctx.Int("offset")

	var err error
	var historyEntries []storage.HistoryEntry
	if ctx.IsSet(mintFlag) {
		historyEntries, err = nutw.GetHistoryByMint(ctx.String(mintFlag), limit, offset)
	} else {
		historyEntries, err = nutw.GetHistory(limit, offset)
	}
	if err != nil {
		printErr(err)
	}

	for _, entry := range historyEntries {
		createdAt := time.Unix(0, entry.CreatedAt).Format(time.DateTime)
		line := fmt.Sprintf("%v  %-7v  %6d sats  %v", createdAt, entry.Type, entry.Amount, entry.Mint)
		if len(entry.QuoteState) > 0 {
			line += fmt.Sprintf("  (%v)", entry.QuoteState)
		}
		if len(entry.Memo) > 0 {
			line += fmt.Sprintf("  memo: %v", entry.Memo)
		}
		fmt.Println(line)
	}
	return nil
}

var restoreCmd = &cli.Command{
	Name:      "restore",
	ArgsUsage: "[mint urls...]",
	Usage:     "Restores the wallet from its mnemonic. It will prompt for the mnemonic",
	Action:    restore,
}

func restore(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify the mints to restore the ecash from"))
	}

	fmt.Print("enter mnemonic: ")
	reader := bufio.NewReader(os.Stdin)
	mnemonic, err := reader.ReadString('\n')
	if err != nil {
		printErr(err)
	}
	mnemonic = strings.TrimSpace(mnemonic)

	amountRestored, err := wallet.Restore(ctx.Context, walletConfig(), mnemonic, args.Slice())
	if err != nil {
		printErr(err)
	}

	fmt.Printf("restored %v sats\n", amountRestored)
	return nil
}

var mnemonicCmd = &cli.Command{
	Name:   "mnemonic",
	Usage:  "Prints the mnemonic to backup the wallet",
	Before: setupWallet,
	Action: mnemonic,
}

func mnemonic(ctx *cli.Context) error {
	mnemonic, err := nutw.Mnemonic()
	if err != nil {
		printErr(err)
	}
	fmt.Println(mnemonic)
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(1)
}
