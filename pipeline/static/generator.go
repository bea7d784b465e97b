package static

import (
	"context"
	"sort"
	"strings"

	"github.com/opd-ai/dialtone/pipeline"
)

// goalMarker is how the pipeline embeds the engine's instruction in
// the system prompt; the template generator keys its replies off it.
const goalMarker = "Current goal: "

// TemplateGenerator streams canned replies chosen by substring match
// against the current instruction. It is deterministic: the longest
// matching key wins, and no match falls back to the default line.
type TemplateGenerator struct {
	keys      []string
	responses map[string]string
	fallback  string
}

// NewTemplateGenerator builds a generator from instruction-substring
// to reply mappings.
//
// Parameters:
//   - responses: Substring of an instruction -> reply to speak
//   - fallback: Reply when no key matches; empty takes a stock line
//
// Returns:
//   - *TemplateGenerator: Ready to use
func NewTemplateGenerator(responses map[string]string, fallback string) *TemplateGenerator {
	if fallback == "" {
		fallback = "Understood. Could you tell me a little more?"
	}

	keys := make([]string, 0, len(responses))
	for k := range responses {
		keys = append(keys, k)
	}
	// Longest key first so specific phrases beat generic ones.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	return &TemplateGenerator{
		keys:      keys,
		responses: responses,
		fallback:  fallback,
	}
}

// Generate streams the matched reply word by word, honoring the max
// token budget and cancellation.
func (g *TemplateGenerator) Generate(ctx context.Context, messages []pipeline.Message, params pipeline.GenerationParams) (<-chan string, error) {
	reply := g.pick(instructionFrom(messages))

	words := strings.Fields(reply)
	if params.MaxTokens > 0 && len(words) > params.MaxTokens {
		words = words[:params.MaxTokens]
	}

	out := make(chan string, len(words))
	go func() {
		defer close(out)
		for i, word := range words {
			token := word
			if i < len(words)-1 {
				token += " "
			}
			select {
			case out <- token:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (g *TemplateGenerator) pick(instruction string) string {
	for _, key := range g.keys {
		if strings.Contains(instruction, key) {
			return g.responses[key]
		}
	}
	return g.fallback
}

// instructionFrom recovers the engine instruction the pipeline folded
// into the system message.
func instructionFrom(messages []pipeline.Message) string {
	for _, msg := range messages {
		if msg.Role != pipeline.RoleSystem {
			continue
		}
		if i := strings.LastIndex(msg.Content, goalMarker); i >= 0 {
			return msg.Content[i+len(goalMarker):]
		}
	}
	return ""
}
