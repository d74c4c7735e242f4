// Package prefix implements the Prefix Optimizer (C13): reordering messages
// so the stable, unchanging prefix of a conversation lines up with the
// provider's own prompt-cache rules, without altering the conversation's
// semantic content. Grounded on other_examples tokenman's
// reorderForPrefixMatch (dedup.go), which moves every system-role message
// to the front for the same reason.
package prefix

// Message is the prefix optimizer's view of a conversation turn.
type Message struct {
	Role    string
	Content string
}

// Result is returned by Optimize.
type Result struct {
	Messages  []Message
	Reordered bool
}

// Optimize moves every system-role message to the front of the sequence,
// preserving the relative order of system messages and of non-system
// messages among themselves (a stable partition, not a full sort) — this
// maximizes the length of the prefix that stays byte-identical across
// requests sharing the same system prompt, which is what providers key
// their prompt cache on. No message's content is modified.
func Optimize(messages []Message) Result {
	var system, rest []Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	if len(system) == 0 || isAlreadyLeading(messages, len(system)) {
		return Result{Messages: messages, Reordered: false}
	}

	out := make([]Message, 0, len(messages))
	out = append(out, system...)
	out = append(out, rest...)
	return Result{Messages: out, Reordered: true}
}

// isAlreadyLeading reports whether the first n messages of messages are
// already all system-role, i.e. no reordering is needed.
func isAlreadyLeading(messages []Message, n int) bool {
	if n > len(messages) {
		return false
	}
	for i := 0; i < n; i++ {
		if messages[i].Role != "system" {
			return false
		}
	}
	return true
}
