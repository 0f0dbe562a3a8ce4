// Package prompt selects the part of a conversation history sent to the model.
package prompt

import (
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/hearth/backend/internal/model/chat"
)

// Warning reports a non-fatal condition found while building a prompt.
type Warning string

const (
	// WarningPromptTooLarge means older history was left out.
	WarningPromptTooLarge Warning = "prompt_too_large"
	// WarningOversizedMessage means the newest message alone exceeds the budget
	// and was sent anyway.
	WarningOversizedMessage Warning = "oversized_message"
)

// Context is the request-scoped prompt: an optional pinned system message
// followed by the most recent messages that fit the budget, oldest first.
type Context struct {
	Messages []chat.Message
	// Dropped counts history messages left out of the prompt.
	Dropped int
	// Size is the estimated size of every message in Messages.
	Size     int
	Warnings []Warning
}

// Size estimates the prompt cost of a message as its number of runes.
func Size(m chat.Message) int {
	return utf8.RuneCountInString(m.Content)
}

// Build walks history from newest to oldest and keeps messages while their
// combined size stays within budget. A system message at index 0 is always
// kept and does not count against the budget. The newest message is always
// kept. A budget <= 0 keeps everything.
func Build(history []chat.Message, budget int) Context {
	var pc Context
	if len(history) == 0 {
		return pc
	}

	var pinned *chat.Message
	rest := history
	if history[0].Role == chat.RoleSystem {
		pinned = &history[0]
		rest = history[1:]
	}

	start := len(rest)
	total := 0
	if len(rest) > 0 {
		newest := rest[len(rest)-1]
		total = Size(newest)
		start = len(rest) - 1
		if budget > 0 && total > budget {
			pc.Warnings = append(pc.Warnings, WarningOversizedMessage)
		}
		for i := len(rest) - 2; i >= 0; i-- {
			size := Size(rest[i])
			if budget > 0 && total+size > budget {
				break
			}
			total += size
			start = i
		}
	}

	pc.Dropped = start
	if pc.Dropped > 0 {
		pc.Warnings = append(pc.Warnings, WarningPromptTooLarge)
	}

	pc.Messages = make([]chat.Message, 0, len(rest)-start+1)
	if pinned != nil {
		pc.Messages = append(pc.Messages, *pinned)
		total += Size(*pinned)
	}
	pc.Messages = append(pc.Messages, rest[start:]...)
	pc.Size = total
	return pc
}

// Truncated reports whether any history was dropped.
func (c Context) Truncated() bool {
	return c.Dropped > 0
}

// Has reports whether w was raised.
func (c Context) Has(w Warning) bool {
	for _, got := range c.Warnings {
		if got == w {
			return true
		}
	}
	return false
}

// ToSchema converts the prompt into eino messages in the same order.
func (c Context) ToSchema() []*schema.Message {
	out := make([]*schema.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		switch m.Role {
		case chat.RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		case chat.RoleUser:
			out = append(out, schema.UserMessage(m.Content))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		}
	}
	return out
}
