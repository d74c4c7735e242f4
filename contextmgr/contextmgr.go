// Package contextmgr implements the Context Manager (C7): fitting a message
// sequence into a token budget under several strategies. Every function
// here is deterministic and pure — spec §4.2: "cannot fail".
package contextmgr

import (
	"sort"
	"strings"

	"github.com/christireid/tokenshield/encoder"
)

// Message is the contextmgr view of a conversation turn. Role "system" and
// Pinned=true messages are always retained.
type Message struct {
	Role      string
	Content   string
	Priority  int32
	Timestamp uint64
	Pinned    bool
}

func (m Message) isPinned() bool {
	return m.Role == "system" || m.Pinned
}

// chatFramingOverhead mirrors encoder's per-message structural cost.
const chatFramingOverhead = 4

func tokenCost(e encoder.Encoder, m Message) uint32 {
	return chatFramingOverhead + e.Encode(m.Role) + e.Encode(m.Content)
}

// Budget returns the usable token budget for message content: total context
// window minus the output reservation minus any tool-definition overhead
// (spec §4.2).
func Budget(maxContextTokens, reservedForOutput, toolTokenOverhead uint32) uint32 {
	used := reservedForOutput + toolTokenOverhead
	if used >= maxContextTokens {
		return 0
	}
	return maxContextTokens - used
}

// FitResult is returned by FitToBudget, PriorityFit, and SmartFit.
type FitResult struct {
	Messages       []Message
	TotalTokens    uint32
	EvictedCount   int
	EvictedTokens  uint32
	BudgetUsed     uint32
	BudgetRemaining uint32
	Evicted        []Message // only populated so SmartFit can summarize them
}

// FitToBudget partitions messages into pinned and unpinned, always keeps
// the pinned block, then walks unpinned messages newest-to-oldest keeping
// each one that still fits the remaining budget (spec §4.2).
func FitToBudget(e encoder.Encoder, messages []Message, budget uint32) FitResult {
	const framingOverhead = 3

	var pinned, unpinned []Message
	for _, m := range messages {
		if m.isPinned() {
			pinned = append(pinned, m)
		} else {
			unpinned = append(unpinned, m)
		}
	}

	var used uint32
	for _, m := range pinned {
		used += tokenCost(e, m)
	}
	used += framingOverhead

	remaining := int64(budget) - int64(used)
	if remaining < 0 {
		remaining = 0
	}

	kept := make([]bool, len(unpinned))
	for i := len(unpinned) - 1; i >= 0; i-- {
		cost := int64(tokenCost(e, unpinned[i]))
		if cost <= remaining {
			kept[i] = true
			remaining -= cost
			used += uint32(cost)
		}
	}

	var result []Message
	var evicted []Message
	var evictedTokens uint32
	result = append(result, pinned...)
	for i, m := range unpinned {
		if kept[i] {
			result = append(result, m)
		} else {
			evicted = append(evicted, m)
			evictedTokens += tokenCost(e, m)
		}
	}

	return FitResult{
		Messages:        result,
		TotalTokens:     used,
		EvictedCount:    len(evicted),
		EvictedTokens:   evictedTokens,
		BudgetUsed:      used,
		BudgetRemaining: subFloor(budget, used),
		Evicted:         evicted,
	}
}

// SlidingWindow keeps only the last n messages (negative or fractional-
// truncated-to-zero counts are floored at zero per spec §4.2).
func SlidingWindow(e encoder.Encoder, messages []Message, n int) FitResult {
	if n < 0 {
		n = 0
	}
	var kept, evicted []Message
	start := len(messages) - n
	if start < 0 {
		start = 0
	}
	kept = append(kept, messages[start:]...)
	evicted = append(evicted, messages[:start]...)

	var total, evictedTokens uint32
	for _, m := range kept {
		total += tokenCost(e, m)
	}
	for _, m := range evicted {
		evictedTokens += tokenCost(e, m)
	}

	return FitResult{
		Messages:      kept,
		TotalTokens:   total,
		EvictedCount:  len(evicted),
		EvictedTokens: evictedTokens,
		Evicted:       evicted,
	}
}

// PriorityFit sorts unpinned messages by priority desc, timestamp desc,
// greedily packs them into budget, then re-sorts the kept unpinned set by
// timestamp asc before returning (spec §4.2).
func PriorityFit(e encoder.Encoder, messages []Message, budget uint32) FitResult {
	var pinned, unpinned []Message
	for _, m := range messages {
		if m.isPinned() {
			pinned = append(pinned, m)
		} else {
			unpinned = append(unpinned, m)
		}
	}

	var used uint32
	for _, m := range pinned {
		used += tokenCost(e, m)
	}

	ordered := append([]Message(nil), unpinned...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Timestamp > ordered[j].Timestamp
	})

	remaining := int64(budget) - int64(used)
	if remaining < 0 {
		remaining = 0
	}

	var kept, evicted []Message
	var evictedTokens uint32
	for _, m := range ordered {
		cost := int64(tokenCost(e, m))
		if cost <= remaining {
			kept = append(kept, m)
			remaining -= cost
			used += uint32(cost)
		} else {
			evicted = append(evicted, m)
			evictedTokens += tokenCost(e, m)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Timestamp < kept[j].Timestamp })

	result := append([]Message(nil), pinned...)
	result = append(result, kept...)

	return FitResult{
		Messages:        result,
		TotalTokens:     used,
		EvictedCount:    len(evicted),
		EvictedTokens:   evictedTokens,
		BudgetUsed:      used,
		BudgetRemaining: subFloor(budget, used),
		Evicted:         evicted,
	}
}

// SmartFit runs FitToBudget and, if anything was evicted, inserts a
// summary system message after the existing system messages when it fits
// the remaining budget (spec §4.2).
func SmartFit(e encoder.Encoder, messages []Message, budget uint32) FitResult {
	base := FitToBudget(e, messages, budget)
	if base.EvictedCount == 0 {
		return base
	}

	summaryText := summarize(base.Evicted)
	summary := Message{Role: "system", Content: summaryText, Pinned: true, Priority: 5}
	cost := tokenCost(e, summary)

	if cost > subFloor(budget, base.TotalTokens) {
		return base
	}

	lastSystem := 0
	for i, m := range base.Messages {
		if m.Role == "system" {
			lastSystem = i + 1
		} else {
			break
		}
	}

	out := make([]Message, 0, len(base.Messages)+1)
	out = append(out, base.Messages[:lastSystem]...)
	out = append(out, summary)
	out = append(out, base.Messages[lastSystem:]...)

	base.Messages = out
	base.TotalTokens += cost
	base.BudgetUsed = base.TotalTokens
	base.BudgetRemaining = subFloor(budget, base.TotalTokens)
	return base
}

// summarize builds a condensed reconstruction of evicted turns: one line
// per turn naming its role and a trimmed excerpt of its content.
func summarize(evicted []Message) string {
	var b strings.Builder
	b.WriteString("Previous conversation summary:\n")
	for _, m := range evicted {
		excerpt := m.Content
		if len(excerpt) > 80 {
			excerpt = excerpt[:80] + "..."
		}
		b.WriteString("- ")
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(excerpt)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func subFloor(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}
