package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

const settlementABIJSON = `[
	{"inputs":[{"name":"orderUid","type":"bytes"},{"name":"signed","type":"bool"}],"name":"setPreSignature","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"orderUid","type":"bytes"}],"name":"invalidateOrder","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"","type":"bytes"}],"name":"preSignature","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const ethFlowOrderTuple = `{"name":"order","type":"tuple","components":[
	{"name":"buyToken","type":"address"},
	{"name":"receiver","type":"address"},
	{"name":"sellAmount","type":"uint256"},
	{"name":"buyAmount","type":"uint256"},
	{"name":"appData","type":"bytes32"},
	{"name":"feeAmount","type":"uint256"},
	{"name":"validTo","type":"uint32"},
	{"name":"partiallyFillable","type":"bool"},
	{"name":"quoteId","type":"int64"}
]}`

const ethFlowABIJSON = `[
	{"inputs":[` + ethFlowOrderTuple + `],"name":"createOrder","outputs":[{"name":"orderHash","type":"bytes32"}],"stateMutability":"payable","type":"function"},
	{"inputs":[` + ethFlowOrderTuple + `],"name":"invalidateOrder","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"name":"OrderPlacement","type":"event","inputs":[
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":false,"name":"order","type":"tuple","components":[
			{"name":"sellToken","type":"address"},
			{"name":"buyToken","type":"address"},
			{"name":"receiver","type":"address"},
			{"name":"sellAmount","type":"uint256"},
			{"name":"buyAmount","type":"uint256"},
			{"name":"validTo","type":"uint32"},
			{"name":"appData","type":"bytes32"},
			{"name":"feeAmount","type":"uint256"},
			{"name":"kind","type":"bytes32"},
			{"name":"partiallyFillable","type":"bool"},
			{"name":"sellTokenBalance","type":"bytes32"},
			{"name":"buyTokenBalance","type":"bytes32"}
		]},
		{"indexed":false,"name":"signature","type":"tuple","components":[
			{"name":"scheme","type":"uint8"},
			{"name":"data","type":"bytes"}
		]},
		{"indexed":false,"name":"data","type":"bytes"}
	]}
]`

var (
	erc20ABI      = mustParseABI("ERC20", erc20ABIJSON)
	settlementABI = mustParseABI("settlement", settlementABIJSON)
	ethFlowABI    = mustParseABI("eth-flow", ethFlowABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}
