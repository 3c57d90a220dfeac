package agent

import "github.com/agenticopsorg/aof/pkg/models"

// maxHistoryMessages bounds the conversation history adopted into
// context.messages, whether restored from memory or accumulated across
// iterations of a single invocation.
const maxHistoryMessages = 100

// pruneHistory keeps every System message, in its original order, then
// fills the remaining budget with the most recent non-System messages,
// also left in their original order. The combined result is bounded by
// maxHistoryMessages unless the System messages alone exceed it, in which
// case all of them are kept regardless (they are never dropped).
func pruneHistory(messages []models.Message) []models.Message {
	if len(messages) <= maxHistoryMessages {
		out := make([]models.Message, len(messages))
		copy(out, messages)
		return out
	}

	var system, rest []models.Message
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	budget := maxHistoryMessages - len(system)
	if budget < 0 {
		budget = 0
	}
	if budget > len(rest) {
		budget = len(rest)
	}
	kept := rest[len(rest)-budget:]

	out := make([]models.Message, 0, len(system)+len(kept))
	out = append(out, system...)
	out = append(out, kept...)
	return out
}
