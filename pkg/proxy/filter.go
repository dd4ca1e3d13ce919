package proxy

import "strings"

// Vertex publishes hundreds of models; these are the chat-model families
// worth surfacing through an OpenAI-compatible endpoint.
var chatModelPrefixes = []string{
	"google/gemini-",
	"anthropic/claude-",
	"meta/llama",
}

// FilterChatModels keeps only entries from the recognized chat-model
// families. Pure and idempotent: filtering an already-filtered list
// returns the same list.
func FilterChatModels(cards []ModelCard) []ModelCard {
	out := make([]ModelCard, 0, len(cards))
	for _, c := range cards {
		for _, prefix := range chatModelPrefixes {
			if strings.HasPrefix(c.ID, prefix) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
