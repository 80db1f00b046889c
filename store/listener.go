package store

// ListenerStatus is the lifecycle state of a chat subscription.
type ListenerStatus string

const (
	ListenerActive   ListenerStatus = "active"
	ListenerInactive ListenerStatus = "inactive"
)

// Listener is a subscription to a specific chat on one instance.
// (instance_id, chat_name) is the natural key; at most one row per pair.
// The reaper marks idle listeners inactive but never deletes the row;
// physical deletion is an operator action.
type Listener struct {
	InstanceID      string
	ChatName        string
	Status          ListenerStatus
	LastMessageTime int64
	ManualAdded     bool
	Fixed           bool
	CreatedTs       int64
	UpdatedTs       int64
}

// Exempt reports whether the listener is protected from inactivity reaping.
func (l *Listener) Exempt() bool {
	return l.ManualAdded || l.Fixed
}

type FindListener struct {
	InstanceID *string
	ChatName   *string
	Status     *ListenerStatus
}

type UpdateListener struct {
	InstanceID      string
	ChatName        string
	Status          *ListenerStatus
	LastMessageTime *int64
	ManualAdded     *bool
	Fixed           *bool
}

type DeleteListener struct {
	InstanceID string
	ChatName   string
}
