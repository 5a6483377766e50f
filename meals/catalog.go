package meals

import (
	"context"

	"github.com/warp/credeat/ledger"
)

// CatalogStore is what Catalog reads from.
type CatalogStore interface {
	ledger.MealStore
	ledger.SelectionStore
}

// Catalog serves the read-only meal and selection listings.
type Catalog struct {
	Store CatalogStore
}

func NewCatalog(store CatalogStore) *Catalog {
	return &Catalog{Store: store}
}

// ActiveMeals lists meals open for selection, ordered by date.
func (c *Catalog) ActiveMeals(ctx context.Context) ([]ledger.Meal, error) {
	meals, err := c.Store.ListMeals(ctx, true)
	if err != nil {
		return nil, err
	}
	if meals == nil {
		meals = []ledger.Meal{}
	}
	return meals, nil
}

// Selections lists userID's selection records, most recent first.
func (c *Catalog) Selections(ctx context.Context, userID ledger.UserID) ([]ledger.Selection, error) {
	sels, err := c.Store.ListSelections(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sels == nil {
		sels = []ledger.Selection{}
	}
	return sels, nil
}
