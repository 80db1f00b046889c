package store

// InstanceWildcard matches any instance in a rule's instance selector.
const InstanceWildcard = "*"

// Rule maps (instance, chat, at-gate) to a platform. Among enabled matching
// rules the greatest priority wins; ties break on smallest rule id.
type Rule struct {
	ID             string
	Name           string
	InstanceID     string // literal instance id or "*"
	ChatPattern    string // literal, "*", or "regex:..."
	PlatformID     string
	Priority       int
	Enabled        bool
	OnlyAtMessages bool
	AtName         string // required when OnlyAtMessages
	ReplyAtSender  bool
	CreatedTs      int64
	UpdatedTs      int64
}

type FindRule struct {
	ID         *string
	InstanceID *string
	PlatformID *string
	Enabled    *bool
}

type UpdateRule struct {
	ID             string
	Name           *string
	InstanceID     *string
	ChatPattern    *string
	PlatformID     *string
	Priority       *int
	Enabled        *bool
	OnlyAtMessages *bool
	AtName         *string
	ReplyAtSender  *bool
}

type DeleteRule struct {
	ID string
}
