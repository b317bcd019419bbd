// Package splitwise makes requests to the Splitwise API
package splitwise

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://secure.splitwise.com/api/v3.0"

var (
	APICalls  float64 = 0
	APIErrors float64 = 0
)

type Splitwise struct {
	client *http.Client
	token  string
	url    string
}

func New(client *http.Client, token string) *Splitwise {
	return &Splitwise{
		client: client,
		token:  token,
		url:    defaultBaseURL,
	}
}

// NewWithURL points the client at a non-default base URL. Used by tests.
func NewWithURL(client *http.Client, token, url string) *Splitwise {
	return &Splitwise{client: client, token: token, url: url}
}

// UserShare is one user's stake in an expense. Shares arrive as decimal
// strings on the wire and stay decimal until converted to milliunits.
type UserShare struct {
	UserID     int64           `json:"user_id"`
	PaidShare  decimal.Decimal `json:"paid_share"`
	OwedShare  decimal.Decimal `json:"owed_share"`
	NetBalance decimal.Decimal `json:"net_balance"`
}

type Expense struct {
	ID           int64           `json:"id"`
	GroupID      int64           `json:"group_id"`
	Description  string          `json:"description"`
	Details      string          `json:"details"`
	Date         time.Time       `json:"date"`
	Cost         decimal.Decimal `json:"cost"`
	CurrencyCode string          `json:"currency_code"`
	Payment      bool            `json:"payment"` // true = settlement, false = regular expense
	DeletedAt    *time.Time      `json:"deleted_at"`
	Users        []UserShare     `json:"users"`
}

// Share returns the viewer's share in the expense, with ok reporting whether
// the user participates at all.
func (e Expense) Share(userID int64) (UserShare, bool) {
	for _, u := range e.Users {
		if u.UserID == userID {
			return u, true
		}
	}
	return UserShare{}, false
}

type expensesResponse struct {
	Expenses []Expense `json:"expenses"`
}

type currentUserResponse struct {
	User struct {
		ID int64 `json:"id"`
	} `json:"user"`
}

func (s *Splitwise) get(ctx context.Context, path string, out any) error {
	APICalls++
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+path, nil)
	if err != nil {
		return err
	}
	r.Header.Add("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(r)
	if err != nil {
		APIErrors++
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		APIErrors++
		return fmt.Errorf("%s - %v", resp.Status, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// CurrentUser returns the id of the authenticated user, the viewer whose
// paid and owed shares drive reconciliation.
func (s *Splitwise) CurrentUser(ctx context.Context) (int64, error) {
	var cur currentUserResponse
	if err := s.get(ctx, "/get_current_user", &cur); err != nil {
		return 0, err
	}
	return cur.User.ID, nil
}

// Expenses returns the group's non-deleted expenses dated after the given
// time, oldest first. Settlement payments are included; the reconciler
// filters them.
func (s *Splitwise) Expenses(ctx context.Context, groupID int64, datedAfter time.Time, limit int) ([]Expense, error) {
	path := fmt.Sprintf("/get_expenses?group_id=%d&limit=%d", groupID, limit)
	if !datedAfter.IsZero() {
		path += "&dated_after=" + datedAfter.UTC().Format(time.RFC3339)
	}

	var er expensesResponse
	if err := s.get(ctx, path, &er); err != nil {
		return nil, err
	}

	expenses := make([]Expense, 0, len(er.Expenses))
	for i := len(er.Expenses) - 1; i >= 0; i-- { // API returns newest first
		if er.Expenses[i].DeletedAt != nil {
			continue
		}
		expenses = append(expenses, er.Expenses[i])
	}
	return expenses, nil
}

// Settlements returns the group's most recent settlement payments, newest
// first.
func (s *Splitwise) Settlements(ctx context.Context, groupID int64, limit int) ([]Expense, error) {
	expenses, err := s.Expenses(ctx, groupID, time.Time{}, 200)
	if err != nil {
		return nil, err
	}

	var settlements []Expense
	for i := len(expenses) - 1; i >= 0; i-- { // Expenses returns oldest first
		if expenses[i].Payment {
			settlements = append(settlements, expenses[i])
			if len(settlements) == limit {
				break
			}
		}
	}
	return settlements, nil
}
