package store

// MessageType is the normalized remote message type.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
	MessageTypeVoice MessageType = "voice"
	MessageTypeVideo MessageType = "video"
	MessageTypeCard  MessageType = "card"
	MessageTypeSelf  MessageType = "self"
	MessageTypeTime  MessageType = "time"
	MessageTypeOther MessageType = "other"
)

// Delivery and reply status values recorded on a message row.
const (
	StatusNone    = 0 // no rule matched, or not attempted yet
	StatusSuccess = 1
	StatusFailed  = 2
)

// Message is a deduplicated inbound message together with its delivery
// bookkeeping. (instance_id, chat_name, fingerprint) is unique; a colliding
// insert is silently dropped by the ingest path.
type Message struct {
	ID           int64  // internal row id
	MessageID    string // remote-assigned id, opaque
	InstanceID   string
	ChatName     string
	Sender       string
	SenderRemark string
	Content      string
	MessageType  MessageType
	CreateTime   int64
	Fingerprint  string

	Processed      bool
	DeliveryStatus int
	DeliveryTime   int64
	PlatformID     string
	ReplyContent   string
	ReplyStatus    int
	ReplyTime      int64
	RetryCount     int
	LastError      string
}

type FindMessage struct {
	ID          *int64
	InstanceID  *string
	ChatName    *string
	Processed   *bool
	Fingerprint *string
	Limit       int // 0 means no limit
}

// UpdateMessageDelivery records the outcome of one delivery attempt.
type UpdateMessageDelivery struct {
	ID             int64
	Processed      *bool
	DeliveryStatus *int
	DeliveryTime   *int64
	PlatformID     *string
	ReplyContent   *string
	ReplyStatus    *int
	ReplyTime      *int64
	RetryCount     *int
	LastError      *string
}
