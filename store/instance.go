package store

// Instance is one managed remote chat-automation endpoint with its own
// credentials. Instances are never implicitly deleted; disabling one suspends
// its listeners and client but preserves history.
type Instance struct {
	ID        string
	Name      string
	BaseURL   string
	APIKey    string
	Enabled   bool
	CreatedTs int64
	UpdatedTs int64
}

type FindInstance struct {
	ID      *string
	Enabled *bool
}

type UpdateInstance struct {
	ID      string
	Name    *string
	BaseURL *string
	APIKey  *string
	Enabled *bool
}

type DeleteInstance struct {
	ID string
}
