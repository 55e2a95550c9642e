package chat

import (
	"net/url"
	"strconv"
)

// Seed is the query-string surface for pre-populating a new chat:
// shared links and "ask about this" entry points land here.
type Seed struct {
	// Prompt pre-fills the composer.
	Prompt string
	// SubmitOnLoad fires the submission immediately instead of waiting
	// for the user.
	SubmitOnLoad bool
	// PersonaID selects the assistant persona.
	PersonaID string
	// ModelVersion overrides the default model.
	ModelVersion string
	// SystemPrompt overrides the system prompt.
	SystemPrompt string
	// Seeded marks a freshly seeded session whose first generation
	// should auto-trigger.
	Seeded bool
	// Title overrides session auto-naming.
	Title string
}

// Query parameter names recognized by ParseSeed.
const (
	paramUserPrompt   = "user-prompt"
	paramSubmitOnLoad = "submit-on-load"
	paramPersonaID    = "assistant-id"
	paramModelVersion = "model-version"
	paramSystemPrompt = "system-prompt"
	paramSeeded       = "seeded"
	paramTitle        = "title"
)

// ParseSeed extracts the recognized seeding parameters from a query
// string. Unknown parameters are ignored; malformed booleans read as
// false.
func ParseSeed(query url.Values) Seed {
	return Seed{
		Prompt:       query.Get(paramUserPrompt),
		SubmitOnLoad: parseBool(query.Get(paramSubmitOnLoad)),
		PersonaID:    query.Get(paramPersonaID),
		ModelVersion: query.Get(paramModelVersion),
		SystemPrompt: query.Get(paramSystemPrompt),
		Seeded:       parseBool(query.Get(paramSeeded)),
		Title:        query.Get(paramTitle),
	}
}

// Params converts a seed into submission params, with the prompt as
// the message.
func (s Seed) Params() SubmitParams {
	return SubmitParams{
		Message:      s.Prompt,
		Persona:      s.PersonaID,
		Model:        s.ModelVersion,
		SystemPrompt: s.SystemPrompt,
	}
}

// ShouldAutoSubmit reports whether the seeded prompt should be sent
// without user interaction.
func (s Seed) ShouldAutoSubmit() bool {
	return s.Prompt != "" && (s.SubmitOnLoad || s.Seeded)
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	return err == nil && v
}
