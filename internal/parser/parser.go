// Package parser recovers structured action proposals from free-form model
// output. Model output is rarely clean JSON: proposals arrive wrapped in
// prose, fenced code blocks, or with the kind of almost-JSON syntax that
// chat models produce. The parser escalates through recovery passes and
// reports which pass succeeded so callers can track output quality.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Parse methods, reported in Result.Method for observability.
const (
	// MethodMasked means the proposal was parsed from the first balanced
	// brace-delimited span in the output (which may be the entire output).
	MethodMasked = "masked"

	// MethodRepaired means the candidate span only parsed after the textual
	// repair chain was applied.
	MethodRepaired = "repaired"
)

// Proposal is the parsed intent for one reasoning iteration.
type Proposal struct {
	Thought string         `json:"thought"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params"`
}

// Result is the outcome of a Parse call. Parse never returns an error;
// callers must check Success and read Err for the diagnostic.
type Result struct {
	Success  bool
	Method   string
	Proposal *Proposal
	Err      string
}

// Parser extracts proposals from raw model output.
// The zero value is not usable; construct with New.
type Parser struct {
	repairs []repairFunc
}

// New creates a parser with the default repair chain.
func New() *Parser {
	return &Parser{
		repairs: defaultRepairs(),
	}
}

// Parse attempts to recover a proposal from raw text.
//
// Pass 1 (masked): locate the first balanced brace-delimited span and parse
// it directly. Pass 2 (repaired): apply the repair chain to the span and
// parse again. If no span exists or both passes fail, Result.Success is
// false and Err carries a diagnostic naming what was attempted.
func (p *Parser) Parse(text string) Result {
	span, ok := extractSpan(text)
	if !ok {
		return Result{
			Err: "no balanced brace-delimited span found in output",
		}
	}

	prop, maskedErr := decodeProposal(span)
	if maskedErr == nil {
		return Result{Success: true, Method: MethodMasked, Proposal: prop}
	}

	repaired := p.applyRepairs(span)
	prop, repairedErr := decodeProposal(repaired)
	if repairedErr == nil {
		return Result{Success: true, Method: MethodRepaired, Proposal: prop}
	}

	return Result{
		Err: fmt.Sprintf("masked parse failed: %v; repaired parse failed: %v",
			maskedErr, repairedErr),
	}
}

// applyRepairs runs the repair chain in order. Each repair is a pure
// text-to-text function; the chain is idempotent on already-valid spans.
func (p *Parser) applyRepairs(span string) string {
	for _, repair := range p.repairs {
		span = repair(span)
	}
	return span
}

// decodeProposal parses a candidate span and validates required fields.
// A pass only counts as successful if validation passes too.
func decodeProposal(span string) (*Proposal, error) {
	var prop Proposal
	if err := json.Unmarshal([]byte(span), &prop); err != nil {
		return nil, err
	}

	if strings.TrimSpace(prop.Action) == "" {
		return nil, fmt.Errorf("proposal is missing a non-empty %q field", "action")
	}
	if prop.Params == nil {
		prop.Params = make(map[string]any)
	}

	return &prop, nil
}

// extractSpan returns the first balanced brace-delimited span in text.
// The scanner is string-aware so braces inside JSON string values do not
// confuse the depth tracking. Returns false if no balanced span exists.
func extractSpan(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if escaped {
			escaped = false
			continue
		}

		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}

	return "", false
}
