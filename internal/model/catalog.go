package model

// Offering describes one entry in the closed premium endpoint catalog:
// the payment instructions and the canonical data payload unlocked by a
// confirmed payment.
type Offering struct {
	Endpoint string
	Amount   Amount
	Currency string

	// Task scheduling defaults for the autonomy queue.
	ValueScore      float64
	Cost            float64
	FreshnessSecs   int64
	BaseBackoffSecs int64
}

// Catalog is the closed set of premium endpoints the agent knows how to buy.
var Catalog = map[string]Offering{
	"market": {
		Endpoint:        "market",
		Amount:          MustAmount("0.05"),
		Currency:        "USDC",
		ValueScore:      10,
		Cost:            0.05,
		FreshnessSecs:   300,
		BaseBackoffSecs: 30,
	},
	"knowledge": {
		Endpoint:        "knowledge",
		Amount:          MustAmount("0.03"),
		Currency:        "CASH",
		ValueScore:      6,
		Cost:            0.03,
		FreshnessSecs:   900,
		BaseBackoffSecs: 30,
	},
}

// OfferingFor looks up the catalog entry for an endpoint tag.
func OfferingFor(endpoint string) (Offering, bool) {
	o, ok := Catalog[endpoint]
	return o, ok
}

// FulfilledPayload returns the deterministic premium data payload for an
// endpoint. The core treats the payload as an opaque value; only this table
// produces it.
func FulfilledPayload(endpoint string) map[string]any {
	switch endpoint {
	case "market":
		return map[string]any{
			"prices": map[string]any{
				"SOL/USDC": "148.23",
				"BTC/USDC": "97412.80",
				"ETH/USDC": "3121.54",
			},
			"arbitrageSignals": []any{
				map[string]any{"pair": "SOL/USDC", "venueSpreadBps": 14, "direction": "buy-spot"},
				map[string]any{"pair": "ETH/USDC", "venueSpreadBps": 6, "direction": "sell-perp"},
			},
			"sentiment": map[string]any{"score": 0.62, "label": "bullish"},
		}
	case "knowledge":
		return map[string]any{
			"articles": []any{
				map[string]any{"title": "Settlement latency on devnet", "relevance": 0.91},
				map[string]any{"title": "Facilitator attestations explained", "relevance": 0.84},
			},
			"embeddings": map[string]any{"dim": 768, "count": 2},
			"citations": []any{
				map[string]any{"source": "devnet-notes", "section": "finality"},
			},
		}
	default:
		return nil
	}
}
