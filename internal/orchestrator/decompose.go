package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/provider"
)

const decomposeInstruction = `Split the user task into the smallest useful set of subtasks. Respond with exactly one JSON array of objects, each {"id": "...", "description": "...", "role": "executor|reviewer|searcher|summary", "depends_on": ["..."]}. Ids must be unique; depends_on may only reference ids in the same array.`

// LLMDecomposer implements Decompose by asking a model provider to plan the
// task. The reply is expected to contain a JSON array of subtasks, possibly
// embedded in surrounding prose.
type LLMDecomposer struct {
	provider provider.Provider
}

// NewLLMDecomposer creates a decomposer over the given provider.
func NewLLMDecomposer(p provider.Provider) *LLMDecomposer {
	return &LLMDecomposer{provider: p}
}

// Decompose implements Decomposer.
func (d *LLMDecomposer) Decompose(ctx context.Context, task string) ([]Subtask, error) {
	raw, err := d.provider.Think(ctx, []string{
		decomposeInstruction,
		"task: " + task,
	})
	if err != nil {
		return nil, fmt.Errorf("decomposition request: %w", err)
	}

	span, ok := extractArraySpan(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON array found in decomposition output")
	}

	var subtasks []Subtask
	if err := json.Unmarshal([]byte(span), &subtasks); err != nil {
		return nil, fmt.Errorf("decode decomposition: %w", err)
	}

	seen := make(map[string]struct{}, len(subtasks))
	for _, st := range subtasks {
		if st.ID == "" {
			return nil, fmt.Errorf("decomposition contains a subtask without an id")
		}
		if _, dup := seen[st.ID]; dup {
			return nil, fmt.Errorf("decomposition repeats subtask id %q", st.ID)
		}
		seen[st.ID] = struct{}{}
	}
	return subtasks, nil
}

// extractArraySpan returns the first balanced bracket-delimited span,
// skipping brackets inside JSON strings.
func extractArraySpan(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '[':
			if !inString {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case ']':
			if !inString && depth > 0 {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}
