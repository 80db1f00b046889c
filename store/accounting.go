package store

// AccountingRecord is an append-only audit row written by the bookkeeping
// platform variant for every processed message, success or not.
type AccountingRecord struct {
	ID               int64
	PlatformID       string
	MessageID        string
	Description      string
	Amount           float64
	Category         string
	AccountBookID    string
	AccountBookName  string
	Success          bool
	ErrorMessage     string
	ProcessingTimeMs int64
	CreatedTs        int64
}

type FindAccountingRecord struct {
	PlatformID *string
	Success    *bool
	Limit      int
}
