package order

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const appDataVersion = "1.1.0"

// AppData is the metadata document attached to every order. Only its
// keccak256 hash is signed; the document itself travels with the order.
type AppData struct {
	JSON string
	Hash common.Hash
}

type appDataDoc struct {
	AppCode  string          `json:"appCode"`
	Metadata appDataMetadata `json:"metadata"`
	Version  string          `json:"version"`
}

type appDataMetadata struct {
	OrderClass orderClass `json:"orderClass"`
}

type orderClass struct {
	OrderClass string `json:"orderClass"`
}

// NewAppData renders the market-order document for appCode. The encoding
// is fixed so the same code always produces the same hash.
func NewAppData(appCode string) (AppData, error) {
	appCode = strings.TrimSpace(appCode)
	if appCode == "" {
		return AppData{}, errors.New("app code is required")
	}
	raw, err := json.Marshal(appDataDoc{
		AppCode:  appCode,
		Metadata: appDataMetadata{OrderClass: orderClass{OrderClass: "market"}},
		Version:  appDataVersion,
	})
	if err != nil {
		return AppData{}, err
	}
	return AppData{JSON: string(raw), Hash: crypto.Keccak256Hash(raw)}, nil
}
