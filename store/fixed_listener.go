package store

// FixedListener is a chat that must always have a listener on every enabled
// instance. Fixed listeners are re-created on startup and never reaped.
type FixedListener struct {
	ID          string
	SessionName string
	Enabled     bool
	Description string
	CreatedTs   int64
	UpdatedTs   int64
}

type FindFixedListener struct {
	ID      *string
	Enabled *bool
}

type UpdateFixedListener struct {
	ID          string
	SessionName *string
	Enabled     *bool
	Description *string
}

type DeleteFixedListener struct {
	ID string
}
