package ynab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/forPelevin/gomoji"
	"golang.org/x/exp/slices"
)

// internalMasterGroup holds YNAB's bookkeeping categories; its
// "Uncategorized" entry must never be offered to the classifier.
const internalMasterGroup = "Internal Master Category"

type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	GroupName string `json:"category_group_name"`
	Hidden    bool   `json:"hidden"`
	Deleted   bool   `json:"deleted"`
}

// DisplayName renders the category the way YNAB's UI does.
func (c Category) DisplayName() string {
	return c.GroupName + " > " + c.Name
}

type categoriesResponse struct {
	Data struct {
		CategoryGroups []struct {
			Name       string `json:"name"`
			Categories []struct {
				ID      string `json:"id"`
				Name    string `json:"name"`
				Hidden  bool   `json:"hidden"`
				Deleted bool   `json:"deleted"`
			} `json:"categories"`
		} `json:"category_groups"`
	} `json:"data"`
}

// Categories fetches the budget's categories. Hidden and deleted categories
// are dropped unless includeHidden is set, and the internal "Uncategorized"
// entry is always excluded.
func (y *Ynab) Categories(ctx context.Context, budgetID string, includeHidden bool) ([]Category, error) {
	APICalls++
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, y.url+"/budgets/"+budgetID+"/categories", nil)
	if err != nil {
		return nil, err
	}
	r.Header.Add("Authorization", "Bearer "+y.token)

	resp, err := y.client.Do(r)
	if err != nil {
		APIErrors++
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		APIErrors++
		return nil, fmt.Errorf("could not list categories, got status %d %s", resp.StatusCode, resp.Status)
	}

	var cr categoriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, err
	}

	var categories []Category
	for _, group := range cr.Data.CategoryGroups {
		for _, c := range group.Categories {
			cat := Category{
				ID:        c.ID,
				Name:      c.Name,
				GroupName: group.Name,
				Hidden:    c.Hidden,
				Deleted:   c.Deleted,
			}
			if group.Name == internalMasterGroup && c.Name == "Uncategorized" {
				continue
			}
			if !includeHidden && (cat.Hidden || cat.Deleted) {
				continue
			}
			categories = append(categories, cat)
		}
	}
	return categories, nil
}

// FindCategory matches a category by id, exact name, or display name. Name
// comparison strips emojis and collapses whitespace on both sides so
// decorated category names still match.
func FindCategory(idOrName string, categories []Category) (Category, bool) {
	if i := slices.IndexFunc(categories, func(c Category) bool { return c.ID == idOrName }); i >= 0 {
		return categories[i], true
	}
	want := normalizeName(idOrName)
	for _, cat := range categories {
		if normalizeName(cat.Name) == want || normalizeName(cat.DisplayName()) == want {
			return cat, true
		}
	}
	return Category{}, false
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(gomoji.RemoveEmojis(name)), " ")
}
