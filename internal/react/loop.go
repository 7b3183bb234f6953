// Package react drives a single agent task through iterative
// think-propose-execute-observe cycles until a stop condition fires. Each
// loop is strictly sequential for its agent; concurrency lives one level
// up, where many agents run their own loops independently.
package react

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/internal/parser"
)

// State is the loop's position in one iteration cycle.
type State string

const (
	StateIdle      State = "idle"
	StateThinking  State = "thinking"
	StateProposing State = "proposing"
	StateExecuting State = "executing"
	StateObserving State = "observing"
	StateStopped   State = "stopped"
)

// Terminal reasons reported in Result.Reason.
const (
	ReasonComplete     = "complete"
	ReasonFailAction   = "fail_action"
	ReasonExhausted    = "exhausted"
	ReasonParseFailure = "parse_failure"
	ReasonCancelled    = "cancelled"
)

// Thinker is the opaque model capability: given the accumulated trace it
// produces raw output for the parser to interpret.
type Thinker interface {
	Think(ctx context.Context, trace []string) (string, error)
}

// ThinkerFunc adapts a function to the Thinker interface.
type ThinkerFunc func(ctx context.Context, trace []string) (string, error)

func (f ThinkerFunc) Think(ctx context.Context, trace []string) (string, error) {
	return f(ctx, trace)
}

// Config bounds one loop run.
type Config struct {
	// MaxIterations caps think-act-observe cycles before the loop fails
	// with an exhausted reason.
	MaxIterations int

	// MaxParseRetries caps consecutive corrective re-prompts after a
	// parse failure.
	MaxParseRetries int

	// CompleteActions and FailActions are the closed sets of action
	// names that terminate the loop with success or failure.
	CompleteActions []string
	FailActions     []string

	// ThinkTimeout bounds a single think call. Zero means no bound
	// beyond the caller's context.
	ThinkTimeout time.Duration
}

// DefaultConfig returns the standard loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   10,
		MaxParseRetries: 3,
		CompleteActions: []string{"COMPLETE"},
		FailActions:     []string{"FAIL"},
		ThinkTimeout:    2 * time.Minute,
	}
}

// Result is the outcome of one loop run.
type Result struct {
	Success          bool
	Iterations       int
	FinalObservation string
	Trace            []string
	Reason           string
}

// Loop runs the think-propose-execute-observe cycle for one agent.
type Loop struct {
	thinker Thinker
	actions *ActionRegistry
	parser  *parser.Parser
	config  Config
}

// New creates a loop over the given think capability and action registry.
func New(thinker Thinker, actions *ActionRegistry, config Config) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultConfig().MaxIterations
	}
	if config.MaxParseRetries <= 0 {
		config.MaxParseRetries = DefaultConfig().MaxParseRetries
	}
	return &Loop{
		thinker: thinker,
		actions: actions,
		parser:  parser.New(),
		config:  config,
	}
}

// Run executes the loop for one task. The returned Result is always
// populated; a non-nil error carries the typed terminal failure
// (LoopExhaustedError, ParseFailureError, or the context's error).
// Cancellation takes effect only at iteration boundaries.
func (l *Loop) Run(ctx context.Context, task string) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "react.run",
		trace.WithAttributes(observability.Attribute("task", task)),
	)
	defer span.End()

	res := Result{
		Trace: []string{fmt.Sprintf("task: %s", task)},
	}
	parseRetries := 0

	for res.Iterations < l.config.MaxIterations {
		if err := ctx.Err(); err != nil {
			res.Reason = ReasonCancelled
			observability.RecordLoopIteration("cancelled")
			return res, err
		}
		res.Iterations++

		// Thinking
		raw, err := l.think(ctx, res.Trace)
		if err != nil {
			// A cancellation landing inside think reports the same way as
			// one caught at the iteration boundary. A ThinkTimeout expiry
			// leaves the loop's context live and stays on the exhausted path.
			if ctx.Err() != nil {
				res.Reason = ReasonCancelled
				res.FinalObservation = fmt.Sprintf("think failed: %v", err)
				observability.RecordLoopIteration("cancelled")
				return res, ctx.Err()
			}
			res.Reason = ReasonExhausted
			res.FinalObservation = fmt.Sprintf("think failed: %v", err)
			observability.RecordLoopIteration("think_error")
			return res, &LoopExhaustedError{Iterations: res.Iterations, Cause: err.Error()}
		}

		// Proposing
		parsed := l.parser.Parse(raw)
		observability.RecordProposalParse(parseOutcome(parsed))
		if !parsed.Success {
			parseRetries++
			if parseRetries > l.config.MaxParseRetries {
				res.Reason = ReasonParseFailure
				res.FinalObservation = parsed.Err
				observability.RecordLoopIteration("parse_failure")
				return res, &ParseFailureError{Attempts: parseRetries, Diagnostic: parsed.Err}
			}
			res.Trace = append(res.Trace, fmt.Sprintf(
				"observation: your last response could not be parsed (%s); respond with exactly one JSON object with fields thought, action, params",
				parsed.Err))
			continue
		}
		parseRetries = 0
		proposal := parsed.Proposal
		res.Trace = append(res.Trace,
			fmt.Sprintf("thought: %s", proposal.Thought),
			fmt.Sprintf("action: %s", proposal.Action))

		// Terminal actions stop the loop before ordinary dispatch.
		if containsAction(l.config.CompleteActions, proposal.Action) {
			res.Success = true
			res.Reason = ReasonComplete
			res.FinalObservation = terminalObservation(proposal)
			res.Trace = append(res.Trace, fmt.Sprintf("observation: %s", res.FinalObservation))
			observability.RecordLoopIteration("complete")
			return res, nil
		}
		if containsAction(l.config.FailActions, proposal.Action) {
			res.Reason = ReasonFailAction
			res.FinalObservation = terminalObservation(proposal)
			res.Trace = append(res.Trace, fmt.Sprintf("observation: %s", res.FinalObservation))
			observability.RecordLoopIteration("fail_action")
			return res, nil
		}

		// Executing. An unknown action becomes a failure observation so
		// the agent can correct course and partial progress is kept.
		var observation string
		if fn, ok := l.actions.Get(proposal.Action); ok {
			out, execErr := fn(ctx, proposal.Params)
			if execErr != nil {
				observation = fmt.Sprintf("action %s failed: %v", proposal.Action, execErr)
				observability.RecordLoopIteration("action_error")
			} else {
				observation = out
				observability.RecordLoopIteration("ok")
			}
		} else {
			observation = fmt.Sprintf("%v: %q is not one of %v",
				ErrActionUnknown, proposal.Action, l.actions.Names())
			observability.RecordLoopIteration("unknown_action")
		}

		// Observing
		res.FinalObservation = observation
		res.Trace = append(res.Trace, fmt.Sprintf("observation: %s", observation))
	}

	res.Reason = ReasonExhausted
	observability.RecordLoopIteration("exhausted")
	return res, &LoopExhaustedError{
		Iterations: res.Iterations,
		Cause:      fmt.Sprintf("no terminal action within %d iterations", l.config.MaxIterations),
	}
}

func (l *Loop) think(ctx context.Context, trace []string) (string, error) {
	if l.config.ThinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.ThinkTimeout)
		defer cancel()
	}
	return l.thinker.Think(ctx, trace)
}

func containsAction(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}

// terminalObservation prefers an explicit result parameter, falling back to
// the proposal's thought.
func terminalObservation(p *parser.Proposal) string {
	if r, ok := p.Params["result"].(string); ok && r != "" {
		return r
	}
	return p.Thought
}

func parseOutcome(r parser.Result) string {
	if !r.Success {
		return "failed"
	}
	return r.Method
}
