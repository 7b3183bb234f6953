// Package provider implements the think capability over hosted model APIs.
// A Provider turns the loop's accumulated trace into raw model output; the
// engine treats that call as opaque and bounds it only with a timeout.
package provider

import (
	"context"
	"strings"
)

// Provider is the opaque think boundary consumed by the react loop.
type Provider interface {
	// Think produces raw model output for the accumulated trace. The
	// output is handed to the proposal parser unmodified.
	Think(ctx context.Context, trace []string) (string, error)

	// Name identifies the provider for logging and pool records.
	Name() string
}

// DefaultSystemPrompt instructs the model to answer in the proposal shape
// the parser expects.
const DefaultSystemPrompt = `You are an autonomous worker agent. Respond with exactly one JSON object of the form {"thought": "...", "action": "...", "params": {...}} and nothing else. When the task is finished, use the action "COMPLETE" with the outcome in params.result. When the task cannot be done, use the action "FAIL" with the reason in params.result.`

func joinTrace(trace []string) string {
	return strings.Join(trace, "\n")
}
