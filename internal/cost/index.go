package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPIndex reads USD prices per whole token from a price index service
// exposing GET {base}/prices/{chainId}/{token}.
type HTTPIndex struct {
	baseURL string
	chainID int64
	http    *http.Client
	log     *zap.Logger
}

func NewHTTPIndex(baseURL string, chainID int64, timeout time.Duration, log *zap.Logger) *HTTPIndex {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPIndex{
		baseURL: strings.TrimRight(baseURL, "/"),
		chainID: chainID,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (h *HTTPIndex) USDPrice(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	url := h.baseURL + "/prices/" + strconv.FormatInt(h.chainID, 10) + "/" + strings.ToLower(token.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return decimal.Zero, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		USD *decimal.Decimal `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, err
	}
	if out.USD == nil || !out.USD.IsPositive() {
		return decimal.Zero, fmt.Errorf("no usd price for %s", token.Hex())
	}
	return *out.USD, nil
}
