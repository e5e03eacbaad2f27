package record

import (
	"errors"
	"strings"
)

var (
	// ErrNoRecords is returned when an export or delete targets a missing
	// session directory.
	ErrNoRecords = errors.New("no records")
	// ErrRecordingActive is returned when an operator action targets the
	// archive that is still being written.
	ErrRecordingActive = errors.New("recording still active")
	// ErrUnknownToken is returned for stale or unknown confirmation replies.
	ErrUnknownToken = errors.New("confirmation no longer valid")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("controller closed")
)

// DeliveryClass tells the controller whether a failed send or edit is worth
// retrying with plain formatting.
type DeliveryClass int

const (
	DeliveryRetryable DeliveryClass = iota
	DeliveryFatal
)

func (c DeliveryClass) String() string {
	if c == DeliveryFatal {
		return "fatal"
	}
	return "retryable"
}

// ClassifyDeliveryError sorts adapter errors into retryable and fatal.
//
// Fatal: the bot was removed or blocked, the chat or message no longer
// exists, or the edit would not change anything. Everything else, including
// markup parse failures, is retried once without rich text.
func ClassifyDeliveryError(err error) DeliveryClass {
	if err == nil {
		return DeliveryRetryable
	}
	lower := strings.ToLower(err.Error())
	fatal := []string{
		"forbidden",
		"bot was kicked",
		"bot was blocked",
		"chat not found",
		"message to edit not found",
		"message is not modified",
		"403",
	}
	for _, p := range fatal {
		if strings.Contains(lower, p) {
			return DeliveryFatal
		}
	}
	return DeliveryRetryable
}
