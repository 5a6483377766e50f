package main

import (
	"context"
	"errors"
	"time"

	"github.com/warp/credeat/ledger"
)

// Demo identities. Use "Bearer dev-student-demo" in dev.
const (
	demoStudent ledger.UserID = "student-demo"
	demoVendor  ledger.UserID = "vendor-demo"
)

// seedDemo creates a student, a vendor and today's three meals.
// Running it again leaves existing wallets untouched and re-saves the meals.
func seedDemo(ctx context.Context, st ledger.Store, now time.Time) error {
	for _, w := range []ledger.Wallet{
		{UserID: demoStudent, Name: "Demo Student", Balance: ledger.Zero(), CreatedAt: now},
		{UserID: demoVendor, Name: "Campus Cafe", Balance: ledger.Zero(), CreatedAt: now},
	} {
		if err := st.CreateWallet(ctx, w); err != nil && !errors.Is(err, ledger.ErrWalletExists) {
			return err
		}
	}

	date := now.Format("2006-01-02")
	for _, m := range []struct {
		typ   ledger.MealType
		menu  []string
		price int64
	}{
		{ledger.MealBreakfast, []string{"Idli", "Sambar", "Coffee"}, 40},
		{ledger.MealLunch, []string{"Rice", "Dal", "Paneer Butter Masala", "Roti"}, 80},
		{ledger.MealDinner, []string{"Chapati", "Mixed Veg", "Curd"}, 60},
	} {
		meal := ledger.Meal{
			ID:        ledger.MealID(date + "-" + string(m.typ)),
			Date:      date,
			Type:      m.typ,
			MenuItems: m.menu,
			Price:     ledger.NewAmountFromInt(m.price),
			Active:    true,
			CreatedAt: now,
		}
		if err := st.SaveMeal(ctx, meal); err != nil {
			return err
		}
	}
	return nil
}
