package orderbook

import "time"

type QuoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Receiver            string `json:"receiver,omitempty"`
	From                string `json:"from"`
	Kind                string `json:"kind"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee,omitempty"`
	BuyAmountAfterFee   string `json:"buyAmountAfterFee,omitempty"`
	ValidFor            uint32 `json:"validFor,omitempty"`
	AppData             string `json:"appData,omitempty"`
	AppDataHash         string `json:"appDataHash,omitempty"`
	PartiallyFillable   bool   `json:"partiallyFillable"`
	SellTokenBalance    string `json:"sellTokenBalance,omitempty"`
	BuyTokenBalance     string `json:"buyTokenBalance,omitempty"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SigningScheme       string `json:"signingScheme,omitempty"`
	OnchainOrder        bool   `json:"onchainOrder"`
}

// OrderParameters is the order the service proposes in a quote.
type OrderParameters struct {
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	Receiver          string `json:"receiver,omitempty"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           uint32 `json:"validTo"`
	AppData           string `json:"appData"`
	FeeAmount         string `json:"feeAmount"`
	Kind              string `json:"kind"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	SellTokenBalance  string `json:"sellTokenBalance,omitempty"`
	BuyTokenBalance   string `json:"buyTokenBalance,omitempty"`
	SigningScheme     string `json:"signingScheme,omitempty"`
}

type QuoteResponse struct {
	Quote      OrderParameters `json:"quote"`
	From       string          `json:"from"`
	Expiration time.Time       `json:"expiration"`
	ID         int64           `json:"id"`
	Verified   bool            `json:"verified"`
}

type OrderCreation struct {
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	Receiver          string `json:"receiver,omitempty"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           uint32 `json:"validTo"`
	AppData           string `json:"appData"`
	AppDataHash       string `json:"appDataHash,omitempty"`
	FeeAmount         string `json:"feeAmount"`
	Kind              string `json:"kind"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	SellTokenBalance  string `json:"sellTokenBalance"`
	BuyTokenBalance   string `json:"buyTokenBalance"`
	SigningScheme     string `json:"signingScheme"`
	Signature         string `json:"signature"`
	From              string `json:"from,omitempty"`
	QuoteID           *int64 `json:"quoteId,omitempty"`
}

// Order is the service view of a placed order.
type Order struct {
	UID                string    `json:"uid"`
	Owner              string    `json:"owner"`
	Status             string    `json:"status"`
	SellToken          string    `json:"sellToken"`
	BuyToken           string    `json:"buyToken"`
	SellAmount         string    `json:"sellAmount"`
	BuyAmount          string    `json:"buyAmount"`
	ValidTo            uint32    `json:"validTo"`
	Kind               string    `json:"kind"`
	Class              string    `json:"class,omitempty"`
	CreationDate       time.Time `json:"creationDate"`
	ExecutedSellAmount string    `json:"executedSellAmount"`
	ExecutedBuyAmount  string    `json:"executedBuyAmount"`
	Invalidated        bool      `json:"invalidated"`
	EthflowData        *struct {
		UserValidTo uint32 `json:"userValidTo"`
	} `json:"ethflowData,omitempty"`
}

type Cancellation struct {
	OrderUIDs     []string `json:"orderUids"`
	Signature     string   `json:"signature"`
	SigningScheme string   `json:"signingScheme"`
}
