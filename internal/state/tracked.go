package state

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const trackedOrderPrefix = "order:"

// TrackedOrder is the persisted record of an order placed by the engine.
type TrackedOrder struct {
	UID          string `msgpack:"uid"`
	Owner        string `msgpack:"owner"`
	Flow         string `msgpack:"flow"`
	SellToken    string `msgpack:"sell_token"`
	BuyToken     string `msgpack:"buy_token"`
	SellAmount   string `msgpack:"sell_amount"`
	BuyAmount    string `msgpack:"buy_amount"`
	Kind         string `msgpack:"kind"`
	ValidTo      uint32 `msgpack:"valid_to"`
	TxHash       string `msgpack:"tx_hash,omitempty"`
	Status       string `msgpack:"status"`
	ExecutedSell string `msgpack:"executed_sell,omitempty"`
	ExecutedBuy  string `msgpack:"executed_buy,omitempty"`
	CreatedAtMS  int64  `msgpack:"created_at_ms"`
	UpdatedAtMS  int64  `msgpack:"updated_at_ms"`
}

func trackedKey(uid string) string {
	return trackedOrderPrefix + strings.ToLower(uid)
}

// Records are msgpack encoded and base64 wrapped so they fit a text column.
func encodeTracked(o TrackedOrder) (string, error) {
	raw, err := msgpack.Marshal(o)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeTracked(value string) (TrackedOrder, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return TrackedOrder{}, err
	}
	var o TrackedOrder
	if err := msgpack.Unmarshal(raw, &o); err != nil {
		return TrackedOrder{}, err
	}
	return o, nil
}

func SaveTrackedOrder(ctx context.Context, store Store, o TrackedOrder) error {
	if store == nil {
		return nil
	}
	if o.UID == "" {
		return errors.New("tracked order uid is required")
	}
	value, err := encodeTracked(o)
	if err != nil {
		return err
	}
	return store.Set(ctx, trackedKey(o.UID), value)
}

func LoadTrackedOrder(ctx context.Context, store Store, uid string) (TrackedOrder, bool, error) {
	if store == nil {
		return TrackedOrder{}, false, nil
	}
	value, ok, err := store.Get(ctx, trackedKey(uid))
	if err != nil || !ok {
		return TrackedOrder{}, false, err
	}
	o, err := decodeTracked(value)
	if err != nil {
		return TrackedOrder{}, false, err
	}
	return o, true, nil
}

// ListTrackedOrders returns all records ordered by creation time.
func ListTrackedOrders(ctx context.Context, store Store) ([]TrackedOrder, error) {
	if store == nil {
		return nil, nil
	}
	items, err := store.List(ctx, trackedOrderPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]TrackedOrder, 0, len(items))
	for _, value := range items {
		o, err := decodeTracked(value)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMS == out[j].CreatedAtMS {
			return out[i].UID < out[j].UID
		}
		return out[i].CreatedAtMS < out[j].CreatedAtMS
	})
	return out, nil
}

func DeleteTrackedOrder(ctx context.Context, store Store, uid string) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, trackedKey(uid))
}
