package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"swap-engine/internal/app"
	"swap-engine/internal/config"
	"swap-engine/internal/logging"
	"swap-engine/internal/order"
	"swap-engine/internal/orderbook"
	"swap-engine/internal/quote"
	"swap-engine/internal/trade"
	"swap-engine/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

const (
	defaultVerifyEnvFile = ".env"
	verifyTimeout        = 30 * time.Second
)

// verify fetches a quote for the configured trade and prints the order the
// engine would sign, its digest and uid. Nothing is submitted.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	ownerFlag := flag.String("owner", "", "order owner; defaults to the address of SWAP_PRIVATE_KEY")
	contractWallet := flag.Bool("presign", false, "quote as a smart contract wallet")
	sign := flag.Bool("sign", false, "sign the order with SWAP_PRIVATE_KEY and print the signature")
	dumpTypedData := flag.Bool("typed-data", false, "print the EIP-712 typed data as JSON")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	in, ok, err := app.ParseTradeInput(cfg.Trade)
	if err != nil {
		fatal(err)
	}
	if !ok {
		fatal(errors.New("trade.amount is required"))
	}

	var signer *wallet.KeyWallet
	if key := strings.TrimSpace(cfg.Chain.PrivateKey); key != "" {
		signer, err = wallet.NewKeyWallet(key, cfg.Chain.ChainID, nil)
		if err != nil {
			fatal(err)
		}
	}
	owner, err := resolveOwner(*ownerFlag, signer)
	if err != nil {
		fatal(err)
	}

	appData, err := order.NewAppData(cfg.Trade.AppCode)
	if err != nil {
		fatal(err)
	}
	var wrapped common.Address
	if cfg.Chain.WrappedNative != "" {
		wrapped = common.HexToAddress(cfg.Chain.WrappedNative)
	}
	book := orderbook.New(cfg.OrderBook.BaseURL, cfg.OrderBook.Timeout, log)
	engine := quote.NewEngine(book, quote.Options{AppData: appData, WrappedNative: wrapped, Validity: cfg.Trade.QuoteValidity}, log, nil)

	native := in.SellToken == trade.NativeToken
	ttl := quote.ResolveTTL(in.TTL)
	params := quote.Params{
		SellToken:           in.SellToken,
		BuyToken:            in.BuyToken,
		From:                owner,
		Receiver:            in.Receiver,
		Amount:              in.Amount,
		Kind:                in.Kind,
		Slippage:            quote.ResolveSlippage(in.Slippage, native, cfg.Chain.L2),
		TTL:                 ttl,
		NativeFlow:          native,
		SmartContractWallet: *contractWallet,
	}
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()
	q, err := engine.Fetch(ctx, params)
	if err != nil {
		fatal(err)
	}

	scheme := order.SchemeEIP712
	if *contractWallet {
		scheme = order.SchemePresign
	}
	o, err := order.NewBuilder(appData, nil).Build(order.Request{
		Terms:          q.Terms(),
		Owner:          owner,
		Receiver:       in.Receiver,
		TTL:            ttl,
		Scheme:         scheme,
		EthFlow:        native,
		AllowanceReady: true,
	})
	if err != nil {
		fatal(err)
	}
	domain := order.Domain{ChainID: cfg.Chain.ChainID, Settlement: common.HexToAddress(cfg.Chain.Settlement)}
	digest, err := o.Digest(domain)
	if err != nil {
		fatal(err)
	}
	var uid order.UID
	if native {
		uid, err = order.EthFlowUID(o, domain, common.HexToAddress(cfg.Chain.EthFlow))
	} else {
		uid, err = order.ComputeUID(o, domain, owner)
	}
	if err != nil {
		fatal(err)
	}

	fmt.Printf("quote: id=%d slippage=%s%% (%d bps) fee=%s fee_in_buy=%s expires=%s verified=%t\n",
		q.ID, q.Slippage.String(), q.SlippageBps, q.FeeAmount, q.FeeAmountInBuyToken, q.Expiration.UTC().Format(time.RFC3339), q.Verified)
	fmt.Printf("order: kind=%s sell=%s %s buy=%s %s receiver=%s valid_to=%d scheme=%s\n",
		o.Kind, o.SellAmount, o.SellToken.Hex(), o.BuyAmount, o.BuyToken.Hex(), o.Receiver.Hex(), o.ValidTo, o.SigningScheme)
	fmt.Printf("app_data: %s %s\n", appData.Hash.Hex(), appData.JSON)
	fmt.Printf("digest: %s\n", digest.Hex())
	fmt.Printf("uid: %s\n", uid.String())

	if *dumpTypedData {
		raw, err := json.MarshalIndent(o.TypedData(domain), "", "  ")
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(raw))
	}
	if *sign {
		if signer == nil {
			fatal(errors.New("SWAP_PRIVATE_KEY is required to sign"))
		}
		if native || *contractWallet {
			fatal(errors.New("only eip712 orders are signed off chain"))
		}
		sig, err := signer.SignTypedData(ctx, o.TypedData(domain))
		if err != nil {
			fatal(err)
		}
		fmt.Printf("signature: %s\n", hexutil.Encode(sig))
	}
	log.Info("verify finished", zap.String("order_uid", uid.String()))
}

func resolveOwner(raw string, signer *wallet.KeyWallet) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		if !common.IsHexAddress(raw) {
			return common.Address{}, fmt.Errorf("owner is not a valid address: %q", raw)
		}
		return common.HexToAddress(raw), nil
	}
	if signer == nil {
		return common.Address{}, errors.New("-owner or SWAP_PRIVATE_KEY is required")
	}
	return signer.Address(), nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
