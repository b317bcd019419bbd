package ynab

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Category listing is by far the most repeated YNAB call, and the taxonomy
// only changes when the user edits their budget. Keep a cache of these
// requests; it can be invalidated on-demand.

type Cache struct {
	Categories map[string][]Category // keyed by budget id
	mu         sync.Mutex            // Protects the cached data
}

func (y *Ynab) CachedCategories(ctx context.Context, budgetID string) ([]Category, error) {
	y.cache.mu.Lock()
	defer y.cache.mu.Unlock()

	if _, ok := y.cache.Categories[budgetID]; !ok {
		if err := y.refreshCategories(ctx, budgetID); err != nil {
			return nil, err
		}
	}
	return y.cache.Categories[budgetID], nil
}

// refreshCategories refreshes the cached Categories. The caller is
// responsible for locking the mutex.
func (y *Ynab) refreshCategories(ctx context.Context, budgetID string) error {
	c, err := y.Categories(ctx, budgetID, false)
	if err != nil {
		return err
	}
	if y.cache.Categories == nil {
		y.cache.Categories = make(map[string][]Category)
	}
	log.Debug().Msg("Cache: updating Categories")
	y.cache.Categories[budgetID] = c
	return nil
}

// InvalidateCategories clears cached category lists for all budgets.
func (y *Ynab) InvalidateCategories() {
	y.cache.mu.Lock()
	defer y.cache.mu.Unlock()
	log.Debug().Msg("Cache: clearing Categories")
	y.cache.Categories = nil
}
