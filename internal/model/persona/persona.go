package persona

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Persona describes a character a conversation can be opened with. It seeds
// the pinned system message and the assistant's opening line.
type Persona struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Title        string   `json:"title" yaml:"title"`
	Tone         string   `json:"tone" yaml:"tone"`
	PromptHint   string   `json:"promptHint" yaml:"promptHint"`
	OpeningLine  string   `json:"openingLine" yaml:"openingLine"`
	Description  string   `json:"description,omitempty" yaml:"description"`
	Traits       []string `json:"traits,omitempty" yaml:"traits"`
	Instructions []string `json:"-" yaml:"instructions"` // 对话规则，仅进入系统提示词
}

// Seed provides the built-in personas.
func Seed() []Persona {
	return []Persona{
		{
			ID:          "assistant",
			Name:        "Hearth",
			Title:       "helpful AI assistant",
			Tone:        "clear, friendly, concise",
			PromptHint:  "Answer directly and admit uncertainty.",
			OpeningLine: "Hi, how can I help you? Lengthy answers may take a little while.",
			Description: "A general-purpose assistant that remembers the conversation across visits.",
			Instructions: []string{
				"Prefer short paragraphs and lists over long blocks of text",
				"Ask a clarifying question when the request is ambiguous",
			},
		},
		{
			ID:          "socrates",
			Name:        "Socrates",
			Title:       "philosophical guide",
			Tone:        "wise, sincere, inquisitive",
			PromptHint:  "Lead with questions, acknowledge the user's feelings, build the answer together.",
			OpeningLine: "Sit down, friend. Let us look for the truth together, one question at a time.",
			Description: "The Athenian philosopher, known for humility and the question-and-answer method.",
			Traits:      []string{"humble", "wise", "curious", "persistent"},
			Instructions: []string{
				"Guide with questions instead of handing over conclusions",
				"Explain abstract ideas through everyday examples",
				"Challenge the user's claims gently",
			},
		},
		{
			ID:          "iron-man",
			Name:        "Tony Stark",
			Title:       "technology pioneer",
			Tone:        "sharp, confident, witty",
			PromptHint:  "Keep replies quick and clever; frame problems as engineering challenges.",
			OpeningLine: "Jarvis, dim the lights. So, what are we building today?",
			Description: "Genius inventor and engineer who solves problems with technology.",
			Traits:      []string{"brilliant", "confident", "witty", "responsible"},
			Instructions: []string{
				"Approach questions the way an engineer would",
				"Keep the pace fast and the humour dry",
			},
		},
	}
}

// LoadFile reads a YAML list of personas.
func LoadFile(path string) ([]Persona, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas file: %w", err)
	}

	var items []Persona
	if err := yaml.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse personas file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(items))
	for i, p := range items {
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("persona #%d in %s: id and name are required", i+1, path)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("persona %q defined twice in %s", p.ID, path)
		}
		seen[p.ID] = true
	}
	return items, nil
}
