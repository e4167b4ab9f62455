package chat

import (
	"fmt"
	"strings"

	"github.com/studybuddy-ai/studybuddy/internal/memory"
	"github.com/studybuddy-ai/studybuddy/internal/retrieval"
)

// Profile bounds what a tier of user gets per turn. Anonymous users run
// with a smaller output budget and no memories; authenticated users get
// the full context.
type Profile struct {
	// MaxOutputTokens caps the model's response length.
	MaxOutputTokens int32

	// MaxChunks caps how many retrieved chunks enter the prompt. Zero
	// disables retrieval context entirely.
	MaxChunks int

	// MaxMemories caps how many stored memories enter the prompt.
	// Zero disables memory injection entirely.
	MaxMemories int
}

// Built-in profiles.
var (
	AnonymousProfile = Profile{
		MaxOutputTokens: 300,
		MaxChunks:       0,
		MaxMemories:     0,
	}
	AuthenticatedProfile = Profile{
		MaxOutputTokens: 1000,
		MaxChunks:       12,
		MaxMemories:     memory.DefaultRecentLimit,
	}
)

// basePrompt is the assistant's standing instruction. Retrieved material
// and memories are appended as clearly labelled sections so the model can
// tell grounding content from conversation.
const basePrompt = `You are StudyBuddy, a patient study assistant. Answer using the user's uploaded study material when it is relevant, and say so when it is not. Be concrete and concise; prefer worked explanations over restating the material.`

// noContentNotice tells the model explicitly that retrieval produced
// nothing, rather than leaving the section absent. An absent section reads
// the same as a turn where retrieval was never attempted; the explicit
// sentence keeps the model from inventing citations.
const noContentNotice = "No relevant content was found in the user's uploaded documents for this question."

// signInNudge replaces document and memory context for anonymous turns.
const signInNudge = "The user is not signed in, so you have no access to their uploaded documents or saved facts. If they ask about their own material, suggest signing in."

// BuildSystemPrompt assembles the system instruction for one turn from
// the retrieved chunks and the user's stored memories, bounded by the
// profile's entry caps.
func BuildSystemPrompt(p Profile, results []retrieval.Result, memories []*memory.Memory) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if p.MaxChunks == 0 {
		b.WriteString("\n\n")
		b.WriteString(signInNudge)
		return b.String()
	}

	b.WriteString("\n\n## Study material\n")
	if len(results) == 0 {
		b.WriteString(noContentNotice)
	} else {
		if len(results) > p.MaxChunks {
			results = results[:p.MaxChunks]
		}
		for _, r := range results {
			fmt.Fprintf(&b, "\n[%s]\n%s\n", r.DocumentName, r.Content)
		}
	}

	if p.MaxMemories > 0 && len(memories) > 0 {
		if len(memories) > p.MaxMemories {
			memories = memories[:p.MaxMemories]
		}
		b.WriteString("\n## What you know about this user\n")
		for _, m := range memories {
			b.WriteString("- ")
			if m.Category != "" {
				fmt.Fprintf(&b, "(%s) ", m.Category)
			}
			b.WriteString(m.Content)
			b.WriteByte('\n')
		}
	}

	return b.String()
}
