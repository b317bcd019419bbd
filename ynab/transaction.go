package ynab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/helpcomp/ynab-splitwise-importer/reconcile"
)

type subTransaction struct {
	Amount     int64  `json:"amount"`
	CategoryID string `json:"category_id,omitempty"`
	Memo       string `json:"memo,omitempty"`
}

type transaction struct {
	AccountID       string           `json:"account_id"`
	Date            string           `json:"date"`
	Amount          int64            `json:"amount"`
	PayeeName       string           `json:"payee_name,omitempty"`
	Memo            string           `json:"memo,omitempty"`
	Cleared         string           `json:"cleared"`
	SubTransactions []subTransaction `json:"subtransactions,omitempty"`
}

type createRequest struct {
	Transaction transaction `json:"transaction"`
}

// CreateTransaction posts a resolved draft as one split transaction and
// returns the YNAB transaction id. This is the posting side effect the
// idempotency store gates; callers record the draft hash only after this
// returns successfully.
func (y *Ynab) CreateTransaction(ctx context.Context, budgetID, accountID, payeeName string, draft reconcile.Draft) (string, error) {
	doc := createRequest{
		Transaction: transaction{
			AccountID: accountID,
			Date:      draft.SettlementDate.Format(time.DateOnly),
			Amount:    draft.Total,
			PayeeName: payeeName,
			Memo:      fmt.Sprintf("Splitwise settlement (%d expenses)", len(draft.Lines)),
			Cleared:   "uncleared",
		},
	}
	for _, line := range draft.Lines {
		doc.Transaction.SubTransactions = append(doc.Transaction.SubTransactions, subTransaction{
			Amount:     line.Amount,
			CategoryID: line.CategoryID,
			Memo:       line.Memo,
		})
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	APICalls++
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, y.url+"/budgets/"+budgetID+"/transactions", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	r.Header.Add("Authorization", "Bearer "+y.token)
	r.Header.Add("Content-Type", "application/json")

	resp, err := y.client.Do(r)
	if err != nil {
		APIErrors++
		return "", err
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		APIErrors++
		return "", fmt.Errorf("could not create transaction, got status %d %s", resp.StatusCode, resp.Status)
	}

	var result struct {
		Data struct {
			Transaction struct {
				ID string `json:"id"`
			} `json:"transaction"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Data.Transaction.ID == "" {
		return "", fmt.Errorf("could not create transaction: response carried no id")
	}

	return result.Data.Transaction.ID, nil
}
