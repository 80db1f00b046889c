// Package ingest normalizes raw remote messages, filters markers and self
// traffic, fingerprints, and persists with dedup. Idempotent under repeated
// batches.
package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"unicode"

	"github.com/hrygo/wxbridge/plugin/remote"
	"github.com/hrygo/wxbridge/store"
)

// newMessagesSentinel is the literal boundary marker the remote injects into
// a chat history. Messages before it in a batch are stale.
const newMessagesSentinel = "以下为新消息"

// systemSender replaces a missing sender after normalization.
const systemSender = "系统"

// Ingester persists normalized message batches.
type Ingester struct {
	store *store.Store
}

func New(s *store.Store) *Ingester {
	return &Ingester{store: s}
}

// Result summarizes one batch ingest.
type Result struct {
	Inserted int
	Dropped  int // filtered or deduplicated
}

// IngestBatch runs one raw batch for (instance, chat) through the pipeline:
// sentinel boundary, self/time filtering, normalization, fingerprint, persist
// with dedup, listener activity update. A bad item is logged and skipped; the
// rest of the batch continues.
func (ig *Ingester) IngestBatch(ctx context.Context, instanceID, chatName string, batch []remote.RawMessage) (Result, error) {
	var result Result

	kept := cutAtSentinel(batch)
	result.Dropped += len(batch) - len(kept)

	var latest int64
	for _, raw := range kept {
		msg, ok := normalize(instanceID, chatName, raw)
		if !ok {
			result.Dropped++
			continue
		}

		_, inserted, err := ig.store.CreateMessage(ctx, msg)
		if err != nil {
			slog.Error("failed to persist message", "instance", instanceID, "chat", chatName, "message", raw.MessageID, "err", err)
			continue
		}
		if !inserted {
			result.Dropped++
			continue
		}
		result.Inserted++
		if msg.CreateTime > latest {
			latest = msg.CreateTime
		}
	}

	if latest > 0 {
		if _, err := ig.store.UpdateListener(ctx, &store.UpdateListener{
			InstanceID:      instanceID,
			ChatName:        chatName,
			LastMessageTime: &latest,
		}); err != nil {
			slog.Error("failed to update listener activity", "instance", instanceID, "chat", chatName, "err", err)
		}
	}
	return result, nil
}

// cutAtSentinel drops everything up to and including the last sentinel
// marker in the batch.
func cutAtSentinel(batch []remote.RawMessage) []remote.RawMessage {
	boundary := -1
	for i, raw := range batch {
		if strings.Contains(raw.Content, newMessagesSentinel) {
			boundary = i
		}
	}
	if boundary < 0 {
		return batch
	}
	return batch[boundary+1:]
}

// normalize maps one raw message onto a store row, returning false when the
// message is self/time traffic that must not be persisted.
func normalize(instanceID, chatName string, raw remote.RawMessage) (*store.Message, bool) {
	if strings.EqualFold(raw.Sender, "self") {
		return nil, false
	}

	msgType := normalizeType(raw.Type)
	if msgType == store.MessageTypeSelf || msgType == store.MessageTypeTime {
		return nil, false
	}

	sender := raw.Sender
	if sender == "" {
		sender = systemSender
	}
	content := strings.TrimFunc(raw.Content, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})

	return &store.Message{
		MessageID:    raw.MessageID,
		InstanceID:   instanceID,
		ChatName:     chatName,
		Sender:       sender,
		SenderRemark: raw.SenderRemark,
		Content:      content,
		MessageType:  msgType,
		CreateTime:   raw.CreateTime,
		Fingerprint:  Fingerprint(sender, content, raw.CreateTime),
	}, true
}

func normalizeType(t string) store.MessageType {
	switch mt := store.MessageType(strings.ToLower(t)); mt {
	case store.MessageTypeText, store.MessageTypeImage, store.MessageTypeFile,
		store.MessageTypeVoice, store.MessageTypeVideo, store.MessageTypeCard,
		store.MessageTypeSelf, store.MessageTypeTime:
		return mt
	default:
		return store.MessageTypeOther
	}
}

// Fingerprint computes the stable dedup hash. Two messages with identical
// sender and content within the same minute are the same logical message.
func Fingerprint(sender, content string, createTime int64) string {
	h := fnv.New64a()
	h.Write([]byte(sender))
	h.Write([]byte{0x1f})
	h.Write([]byte(content))
	h.Write([]byte{0x1f})
	fmt.Fprintf(h, "%d", createTime/60)
	return fmt.Sprintf("%016x", h.Sum64())
}
