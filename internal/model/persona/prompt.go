package persona

import (
	"fmt"
	"strings"
)

// SystemPrompt renders the pinned system message for a persona.
func SystemPrompt(p Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s.", p.Name, p.Title)
	if p.Description != "" {
		b.WriteString(" ")
		b.WriteString(p.Description)
	}

	b.WriteString("\n\nCharacter:\n")
	fmt.Fprintf(&b, "- Tone: %s\n", p.Tone)
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, "- Traits: %s\n", strings.Join(p.Traits, ", "))
	}
	if p.PromptHint != "" {
		fmt.Fprintf(&b, "- Hint: %s\n", p.PromptHint)
	}

	if len(p.Instructions) > 0 {
		b.WriteString("\nRules:\n")
		for _, rule := range p.Instructions {
			fmt.Fprintf(&b, "- %s\n", rule)
		}
	}

	fmt.Fprintf(&b, "\nStay in character and answer in the style of %s.", p.Name)
	return b.String()
}
