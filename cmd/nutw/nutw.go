package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/elnosh/nutpay/wallet"
	"github.com/elnosh/nutpay/wallet/recovery"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var nutw *wallet.Wallet

const (
	configFlag = "config"
	mintFlag   = "mint"
)

func configDir() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(homedir, ".nutpay")
}

// loadEnv loads the .env file next to the config, falling back to the
// one in the working directory.
func loadEnv() {
	envPath := filepath.Join(configDir(), ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			return
		}
		envPath = filepath.Join(wd, ".env")
	}
	godotenv.Load(envPath)
}

func walletConfig(ctx *cli.Context) (wallet.Config, error) {
	loadEnv()
	path := ctx.String(configFlag)
	if path == "" {
		path = filepath.Join(configDir(), "config.yaml")
	}
	return wallet.LoadConfig(path)
}

func setupWallet(ctx *cli.Context) error {
	config, err := walletConfig(ctx)
	if err != nil {
		printErr(err)
	}
	nutw, err = wallet.LoadWallet(config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func closeWallet(ctx *cli.Context) error {
	if nutw != nil {
		return nutw.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "nutw",
		Usage: "cashu cli wallet",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  configFlag,
				Usage: "path to config file",
			},
		},
		Before: setupWallet,
		After:  closeWallet,
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			pendingCmd,
			reconcileCmd,
			restoreCmd,
			historyCmd,
			mnemonicCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var mintUrlFlag = &cli.StringFlag{
	Name:  mintFlag,
	Usage: "mint to use instead of the default mint",
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balance, err := nutw.Balance(ctx.Context)
	if err != nil {
		printErr(err)
	}
	for mint, amount := range balance.ByMint {
		fmt.Printf("%v: %v %v\n", mint, amount, balance.Unit)
	}
	fmt.Printf("total: %v %v\n", balance.Total, balance.Unit)
	return nil
}

var receiveCmd = &cli.Command{
	Name:   "receive",
	Action: receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	result := nutw.ReceiveToken(ctx.Context, args.First())
	if !result.Success {
		printErr(result.Err)
	}
	fmt.Printf("%v %v received from %v\n", result.Amount, nutw.Unit(), result.Mint)
	return nil
}

const (
	quoteFlag = "quote"
	waitFlag  = "wait"
)

var mintCmd = &cli.Command{
	Name:  "mint",
	Usage: "request an invoice to mint ecash",
	Flags: []cli.Flag{
		mintUrlFlag,
		&cli.StringFlag{
			Name:  quoteFlag,
			Usage: "mint the ecash of a paid quote",
		},
		&cli.BoolFlag{
			Name:  waitFlag,
			Usage: "wait for the invoice to be paid",
		},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	if ctx.IsSet(quoteFlag) {
		if err := mintQuote(ctx.Context, ctx.String(quoteFlag)); err != nil {
			printErr(err)
		}
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

	quote := nutw.RequestMintQuote(ctx.Context, ctx.String(mintFlag), amount)
	if !quote.Success {
		printErr(quote.Err)
	}
	fmt.Printf("invoice: %v\n\n", quote.Invoice)

	if !ctx.Bool(waitFlag) {
		fmt.Printf("after paying the invoice you can redeem the ecash using --quote %v\n", quote.QuoteId)
		return nil
	}
	if err := waitForQuote(ctx.Context, quote.QuoteId); err != nil {
		printErr(err)
	}
	fmt.Printf("%v %v minted\n", amount, nutw.Unit())
	return nil
}

func waitForQuote(ctx context.Context, quoteId string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		quotes, err := nutw.MintQuotes(ctx)
		if err != nil {
			return err
		}
		for _, quote := range quotes {
			if quote.QuoteId == quoteId && quote.Status == recovery.QuoteMinted {
				return nil
			}
		}
	}
}

func mintQuote(ctx context.Context, quoteId string) error {
	quotes, err := nutw.MintQuotes(ctx)
	if err != nil {
		return err
	}
	for _, quote := range quotes {
		if quote.QuoteId != quoteId {
			continue
		}
		result := nutw.MintProofsFromQuote(ctx, quote.Mint, quote.Amount, quote.QuoteId)
		if !result.Success {
			return result.Err
		}
		fmt.Printf("%v %v minted\n", result.Amount, nutw.Unit())
		return nil
	}
	return recovery.ErrQuoteNotFound
}

const requestFlag = "request"

var sendCmd = &cli.Command{
	Name:  "send",
	Usage: "create a token to send",
	Flags: []cli.Flag{
		mintUrlFlag,
		&cli.StringFlag{
			Name:  requestFlag,
			Usage: "pay a NUT-18 payment request",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	var result wallet.TokenResult
	if ctx.IsSet(requestFlag) {
		request, err := wallet.ParsePaymentRequest(ctx.String(requestFlag))
		if err != nil {
			printErr(err)
		}
		result = nutw.CreatePaymentToken(ctx.Context, request, "nutw")
	} else {
		args := ctx.Args()
		if args.Len() < 1 {
			printErr(errors.New("specify an amount to send"))
		}
		amount, err := strconv.ParseUint(args.First(), 10, 64)
		if err != nil {
			printErr(errors.New("invalid amount"))
		}
		result = nutw.GenerateSendToken(ctx.Context, ctx.String(mintFlag), amount)
	}
	if !result.Success {
		printErr(result.Err)
	}

	fmt.Printf("%v\n", result.Token)
	return nil
}

var payCmd = &cli.Command{
	Name:   "pay",
	Usage:  "pay a lightning invoice",
	Flags:  []cli.Flag{mintUrlFlag},
	Action: pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}

	result := nutw.Pay(ctx.Context, ctx.String(mintFlag), args.First())
	if result.Pending {
		fmt.Println("payment is pending, run reconcile later to settle it")
		return nil
	}
	if !result.Success {
		printErr(result.Err)
	}
	fmt.Printf("invoice paid. preimage: %v, amount paid: %v\n", result.Preimage, result.Amount)
	return nil
}

var pendingCmd = &cli.Command{
	Name:   "pending",
	Usage:  "list and reclaim pending tokens",
	Action: listPending,
	Subcommands: []*cli.Command{
		{
			Name:   "check",
			Usage:  "check if a pending token was claimed",
			Action: checkPending,
		},
		{
			Name:   "reclaim",
			Usage:  "receive back a token nobody claimed",
			Action: reclaimPending,
		},
	},
}

func listPending(ctx *cli.Context) error {
	tokens, err := nutw.PendingTokens(ctx.Context)
	if err != nil {
		printErr(err)
	}
	for _, token := range tokens {
		fmt.Printf("%v  %v  %v %v  %v  %v\n", token.Id, token.Purpose, token.Amount, nutw.Unit(), token.Status, token.Mint)
	}
	return nil
}

func checkPending(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		printErr(errors.New("specify a pending token id"))
	}
	status, err := nutw.CheckPendingToken(ctx.Context, ctx.Args().First())
	if err != nil {
		printErr(err)
	}
	fmt.Println(status)
	return nil
}

func reclaimPending(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		printErr(errors.New("specify a pending token id"))
	}
	result := nutw.ReclaimPendingToken(ctx.Context, ctx.Args().First())
	if !result.Success {
		printErr(result.Err)
	}
	fmt.Printf("%v %v reclaimed\n", result.Amount, nutw.Unit())
	return nil
}

var reconcileCmd = &cli.Command{
	Name:   "reconcile",
	Usage:  "settle operations that did not finish",
	Action: reconcile,
}

func reconcile(ctx *cli.Context) error {
	result, err := nutw.Reconcile(ctx.Context)
	if err != nil {
		printErr(err)
	}
	printJSON(result)
	return nil
}

var restoreCmd = &cli.Command{
	Name:   "restore",
	Usage:  "restore ecash from the wallet seed",
	Flags:  []cli.Flag{mintUrlFlag},
	Action: restore,
}

func restore(ctx *cli.Context) error {
	result := nutw.Restore(ctx.Context, ctx.String(mintFlag))
	if !result.Success {
		printErr(result.Err)
	}
	fmt.Printf("restored %v %v from %v\n", result.Amount, nutw.Unit(), result.Mint)
	return nil
}

var historyCmd = &cli.Command{
	Name:   "history",
	Action: history,
}

func history(ctx *cli.Context) error {
	txs, err := nutw.Transactions(ctx.Context)
	if err != nil {
		printErr(err)
	}
	printJSON(txs)
	return nil
}

var mnemonicCmd = &cli.Command{
	Name:  "mnemonic",
	Usage: "show the wallet seed phrase",
	Action: func(ctx *cli.Context) error {
		mnemonic := nutw.Mnemonic()
		if mnemonic == "" {
			printErr(errors.New("wallet uses random secrets and has no seed"))
		}
		fmt.Println(mnemonic)
		return nil
	},
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		printErr(err)
	}
	fmt.Println(string(data))
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(1)
}
