package ledger

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"

	"github.com/x402-labs/agentpay/internal/model"
)

var csvHeader = []string{"timestamp", "category", "event", "request_id", "payment_id", "tx_hash", "metadata"}

// WriteCSV renders entries to w with a stable column order.
func WriteCSV(w io.Writer, entries []model.LedgerEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return eris.Wrap(err, "ledger: write csv header")
	}
	for _, e := range entries {
		meta := ""
		if e.Metadata != nil {
			raw, err := json.Marshal(e.Metadata)
			if err != nil {
				return eris.Wrap(err, "ledger: marshal csv metadata")
			}
			meta = string(raw)
		}
		record := []string{
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			string(e.Category),
			e.Event,
			e.RequestID,
			e.PaymentID,
			e.TxHash,
			meta,
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrap(err, "ledger: write csv record")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "ledger: flush csv")
}
