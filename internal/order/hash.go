package order

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	domainName    = "Gnosis Protocol"
	domainVersion = "v2"
)

// Domain identifies the settlement contract orders are signed for.
type Domain struct {
	ChainID    int64
	Settlement common.Address
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              domainName,
		Version:           domainVersion,
		ChainId:           math.NewHexOrDecimal256(d.ChainID),
		VerifyingContract: d.Settlement.Hex(),
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var orderType = []apitypes.Type{
	{Name: "sellToken", Type: "address"},
	{Name: "buyToken", Type: "address"},
	{Name: "receiver", Type: "address"},
	{Name: "sellAmount", Type: "uint256"},
	{Name: "buyAmount", Type: "uint256"},
	{Name: "validTo", Type: "uint32"},
	{Name: "appData", Type: "bytes32"},
	{Name: "feeAmount", Type: "uint256"},
	{Name: "kind", Type: "string"},
	{Name: "partiallyFillable", Type: "bool"},
	{Name: "sellTokenBalance", Type: "string"},
	{Name: "buyTokenBalance", Type: "string"},
}

var cancellationsType = []apitypes.Type{
	{Name: "orderUids", Type: "bytes[]"},
}

// TypedData returns the EIP-712 payload a wallet is asked to sign.
func (o Order) TypedData(domain Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Order":        orderType,
		},
		PrimaryType: "Order",
		Domain:      domain.typed(),
		Message: apitypes.TypedDataMessage{
			"sellToken":         o.SellToken.Hex(),
			"buyToken":          o.BuyToken.Hex(),
			"receiver":          o.Receiver.Hex(),
			"sellAmount":        o.SellAmount.String(),
			"buyAmount":         o.BuyAmount.String(),
			"validTo":           strconv.FormatUint(uint64(o.ValidTo), 10),
			"appData":           o.AppData.Hex(),
			"feeAmount":         o.feeAmount().String(),
			"kind":              string(o.Kind),
			"partiallyFillable": o.PartiallyFillable,
			"sellTokenBalance":  string(balanceOrDefault(o.SellTokenBalance)),
			"buyTokenBalance":   string(balanceOrDefault(o.BuyTokenBalance)),
		},
	}
}

// Digest is the EIP-712 signing hash of the order.
func (o Order) Digest(domain Domain) (common.Hash, error) {
	if err := o.Validate(); err != nil {
		return common.Hash{}, err
	}
	return typedDataHash(o.TypedData(domain))
}

// CancellationsTypedData returns the payload for an off-chain cancellation
// of the given orders.
func CancellationsTypedData(domain Domain, uids []UID) apitypes.TypedData {
	items := make([]interface{}, 0, len(uids))
	for _, uid := range uids {
		items = append(items, uid.String())
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":       domainType,
			"OrderCancellations": cancellationsType,
		},
		PrimaryType: "OrderCancellations",
		Domain:      domain.typed(),
		Message: apitypes.TypedDataMessage{
			"orderUids": items,
		},
	}
}

func CancellationsDigest(domain Domain, uids []UID) (common.Hash, error) {
	if len(uids) == 0 {
		return common.Hash{}, errors.New("at least one order uid is required")
	}
	return typedDataHash(CancellationsTypedData(domain, uids))
}

// TypedDataHash hashes an arbitrary typed-data payload the way wallets do.
func TypedDataHash(data apitypes.TypedData) (common.Hash, error) {
	return typedDataHash(data)
}

func typedDataHash(typedData apitypes.TypedData) (common.Hash, error) {
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash([]byte("\x19\x01"), domainHash, messageHash), nil
}

const UIDLength = 56

// UID is digest ++ owner ++ validTo, the identifier the order book assigns.
type UID [UIDLength]byte

func NewUID(digest common.Hash, owner common.Address, validTo uint32) UID {
	var uid UID
	copy(uid[:32], digest.Bytes())
	copy(uid[32:52], owner.Bytes())
	binary.BigEndian.PutUint32(uid[52:], validTo)
	return uid
}

// ComputeUID derives the order UID for an order owned by owner.
func ComputeUID(o Order, domain Domain, owner common.Address) (UID, error) {
	digest, err := o.Digest(domain)
	if err != nil {
		return UID{}, err
	}
	return NewUID(digest, owner, o.ValidTo), nil
}

// EthFlowUID derives the UID of an order placed through the eth-flow
// contract. The contract owns the order and pins validTo to MaxValidTo.
func EthFlowUID(o Order, domain Domain, ethFlow common.Address) (UID, error) {
	onchain := o
	onchain.ValidTo = MaxValidTo
	digest, err := onchain.Digest(domain)
	if err != nil {
		return UID{}, err
	}
	return NewUID(digest, ethFlow, MaxValidTo), nil
}

func ParseUID(raw string) (UID, error) {
	b, err := hexutil.Decode(raw)
	if err != nil {
		return UID{}, fmt.Errorf("invalid order uid %q: %w", raw, err)
	}
	if len(b) != UIDLength {
		return UID{}, fmt.Errorf("invalid order uid length %d", len(b))
	}
	var uid UID
	copy(uid[:], b)
	return uid, nil
}

func (u UID) Digest() common.Hash { return common.BytesToHash(u[:32]) }

func (u UID) Owner() common.Address { return common.BytesToAddress(u[32:52]) }

func (u UID) ValidTo() uint32 { return binary.BigEndian.Uint32(u[52:]) }

func (u UID) Bytes() []byte { return append([]byte(nil), u[:]...) }

func (u UID) String() string { return hexutil.Encode(u[:]) }

func (u UID) IsZero() bool { return u == UID{} }

func (u UID) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

func (u *UID) UnmarshalText(text []byte) error {
	parsed, err := ParseUID(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
