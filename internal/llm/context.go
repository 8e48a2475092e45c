package llm

import (
	"fmt"
	"strings"

	"github.com/MythologIQ/hearthlink/internal/memory"
)

// BuildContextPrompt folds retrieved memory slices into a system message
// the model can ground its reply on. Empty input yields an empty message
// slice so callers can append unconditionally.
func BuildContextPrompt(results []memory.SearchResult) []ChatMessage {
	if len(results) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("Relevant memories about this user, most relevant first:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, r.Slice.MemoryType, r.Slice.Content)
	}
	b.WriteString("Use these memories when they apply; do not invent details beyond them.")

	return []ChatMessage{{Role: "system", Content: b.String()}}
}
