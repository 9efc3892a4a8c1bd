package chat

import "besedka/internal/models"

// Reconciler decides which optimistic message, if any, a confirmed echo of
// our own message stands for.
type Reconciler interface {
	// Match returns the index in held of the message confirmed by echo, or -1.
	Match(held []models.Message, echo models.Message) int
}

// ContentReceiverMatch pairs an echo with the oldest pending optimistic
// message that has the same receiver and content. Two identical messages
// sent to the same receiver in quick succession are told apart only by
// order.
type ContentReceiverMatch struct{}

func (ContentReceiverMatch) Match(held []models.Message, echo models.Message) int {
	for i, m := range held {
		if !IsOptimistic(m) || m.Status == models.MessageStatusFailed {
			continue
		}
		if m.Receiver == echo.Receiver && m.Content == echo.Content {
			return i
		}
	}
	return -1
}
