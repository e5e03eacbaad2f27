package record

import "context"

// Target is the conversation a guard is evaluated against.
type Target struct {
	ChatID   int64
	ChatType string
}

// Guard decides whether recording applies to a conversation.
type Guard func(ctx context.Context, t Target) bool

// Registry answers enrollment questions from the channel settings.
type Registry interface {
	Enrolled(chatID int64) bool
	RecordingEnabled(chatID int64) bool
}

// Chain passes only when every guard passes, evaluated in order.
func Chain(guards ...Guard) Guard {
	return func(ctx context.Context, t Target) bool {
		for _, g := range guards {
			if !g(ctx, t) {
				return false
			}
		}
		return true
	}
}

// NotPrivate rejects one-to-one chats.
func NotPrivate() Guard {
	return func(_ context.Context, t Target) bool { return t.ChatType != "private" }
}

// Enrolled rejects chats missing from the registry.
func Enrolled(r Registry) Guard {
	return func(_ context.Context, t Target) bool { return r.Enrolled(t.ChatID) }
}

// RecordingEnabled rejects chats whose record flag is off.
func RecordingEnabled(r Registry) Guard {
	return func(_ context.Context, t Target) bool { return r.RecordingEnabled(t.ChatID) }
}

// DefaultGuard is the standard chain for a registry.
func DefaultGuard(r Registry) Guard {
	return Chain(NotPrivate(), Enrolled(r), RecordingEnabled(r))
}
