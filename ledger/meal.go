package ledger

import "time"

// =============================================================================
// STATUS - Attendance decision for one meal
// =============================================================================

// Status is the tagged selection state. StatusNone means no selection exists
// yet and is never a valid requested status.
type Status string

const (
	StatusNone      Status = ""
	StatusAttending Status = "attending"
	StatusSkipped   Status = "skipped"
)

// Valid reports whether s may be requested by a user.
func (s Status) Valid() bool {
	return s == StatusAttending || s == StatusSkipped
}

// ParseStatus converts client input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return StatusNone, &InvalidStatusError{Value: s}
	}
	return st, nil
}

func (s Status) String() string {
	if s == StatusNone {
		return "none"
	}
	return string(s)
}

// =============================================================================
// MEAL - Catalog entry (read-only for this engine)
// =============================================================================

type MealType string

const (
	MealBreakfast MealType = "breakfast"
	MealLunch     MealType = "lunch"
	MealDinner    MealType = "dinner"
	MealSnacks    MealType = "snacks"
)

// Meal is served on Date (YYYY-MM-DD). Inactive meals are history and
// cannot be selected.
type Meal struct {
	ID        MealID
	Date      string
	Type      MealType
	MenuItems []string
	Price     Amount
	Active    bool
	CreatedAt time.Time
}

// =============================================================================
// SELECTION - At most one per (user, meal)
// =============================================================================

// Selection is created on the first decision and updated in place afterwards.
// Version starts at 1 and increases on every write; stores reject writes whose
// expected version does not match.
type Selection struct {
	ID        SelectionID
	UserID    UserID
	MealID    MealID
	Status    Status
	Version   int
	Timestamp time.Time
}
