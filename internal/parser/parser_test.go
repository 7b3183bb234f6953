package parser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_CleanObject(t *testing.T) {
	p := New()

	res := p.Parse(`{"thought":"check the file","action":"READ_FILE","params":{"path":"main.go"}}`)
	require.True(t, res.Success)
	assert.Equal(t, MethodMasked, res.Method)
	assert.Equal(t, "check the file", res.Proposal.Thought)
	assert.Equal(t, "READ_FILE", res.Proposal.Action)
	assert.Equal(t, "main.go", res.Proposal.Params["path"])
}

func TestParse_EmbeddedInProse(t *testing.T) {
	p := New()

	raw := `prefix {"thought":"x","action":"WRITE_FILE","params":{"path":"a.txt"}} suffix`
	res := p.Parse(raw)
	require.True(t, res.Success)
	assert.Equal(t, MethodMasked, res.Method)
	assert.Equal(t, "WRITE_FILE", res.Proposal.Action)
	assert.Equal(t, "a.txt", res.Proposal.Params["path"])
}

func TestParse_FencedCodeBlock(t *testing.T) {
	p := New()

	raw := "Here is my plan:\n```json\n{\"thought\":\"t\",\"action\":\"COMPLETE\",\"params\":{}}\n```\nDone."
	res := p.Parse(raw)
	require.True(t, res.Success)
	assert.Equal(t, MethodMasked, res.Method)
	assert.Equal(t, "COMPLETE", res.Proposal.Action)
}

func TestParse_Repaired(t *testing.T) {
	p := New()

	raw := `{ thought: 'fix', action: 'SHELL_EXEC', params: { command: 'ls -la' } }`
	res := p.Parse(raw)
	require.True(t, res.Success)
	assert.Equal(t, MethodRepaired, res.Method)
	assert.Equal(t, "fix", res.Proposal.Thought)
	assert.Equal(t, "SHELL_EXEC", res.Proposal.Action)
	assert.Equal(t, "ls -la", res.Proposal.Params["command"])
}

func TestParse_CurlyQuotesAndTrailingComma(t *testing.T) {
	p := New()

	raw := `{“thought”: “clean up”, “action”: “DELETE_FILE”, “params”: {“path”: “tmp.txt”,},}`
	res := p.Parse(raw)
	require.True(t, res.Success)
	assert.Equal(t, MethodRepaired, res.Method)
	assert.Equal(t, "DELETE_FILE", res.Proposal.Action)
	assert.Equal(t, "tmp.txt", res.Proposal.Params["path"])
}

func TestParse_RoundTripIsMasked(t *testing.T) {
	p := New()

	first := p.Parse(`reasoning... {"thought":"t","action":"SEARCH","params":{"query":"go generics"}}`)
	require.True(t, first.Success)

	// Re-serialize the parsed proposal and parse it again. The second pass
	// must succeed without any repairs.
	data, err := json.Marshal(first.Proposal)
	require.NoError(t, err)

	second := p.Parse(string(data))
	require.True(t, second.Success)
	assert.Equal(t, MethodMasked, second.Method)
	assert.Equal(t, first.Proposal, second.Proposal)
}

func TestRepairChain_Idempotent(t *testing.T) {
	p := New()

	raw := `{ thought: 'fix', action: 'SHELL_EXEC', params: { command: 'ls -la' }, }`
	once := p.applyRepairs(raw)
	twice := p.applyRepairs(once)
	assert.Equal(t, once, twice)

	var onceParsed, twiceParsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(once), &onceParsed))
	require.NoError(t, json.Unmarshal([]byte(twice), &twiceParsed))
	assert.Equal(t, onceParsed, twiceParsed)
}

func TestParse_MissingAction(t *testing.T) {
	p := New()

	res := p.Parse(`{"thought":"no action here","params":{}}`)
	require.False(t, res.Success)
	assert.Contains(t, res.Err, "action")
}

func TestParse_BlankAction(t *testing.T) {
	p := New()

	res := p.Parse(`{"thought":"t","action":"   ","params":{}}`)
	require.False(t, res.Success)
}

func TestParse_ParamsDefaulted(t *testing.T) {
	p := New()

	res := p.Parse(`{"thought":"t","action":"COMPLETE"}`)
	require.True(t, res.Success)
	require.NotNil(t, res.Proposal.Params)
	assert.Empty(t, res.Proposal.Params)
}

func TestParse_ParamsMustBeObject(t *testing.T) {
	p := New()

	res := p.Parse(`{"thought":"t","action":"COMPLETE","params":"not an object"}`)
	require.False(t, res.Success)
}

func TestParse_NoSpan(t *testing.T) {
	p := New()

	res := p.Parse("I could not decide on an action.")
	require.False(t, res.Success)
	assert.Contains(t, res.Err, "no balanced brace-delimited span")
	assert.Nil(t, res.Proposal)
}

func TestParse_UnbalancedSpan(t *testing.T) {
	p := New()

	res := p.Parse(`{"thought":"t","action":"COMPLETE","params":{`)
	require.False(t, res.Success)
}

func TestParse_BracesInsideStrings(t *testing.T) {
	p := New()

	res := p.Parse(`{"thought":"use {x} as a placeholder","action":"NOTE","params":{}}`)
	require.True(t, res.Success)
	assert.Equal(t, MethodMasked, res.Method)
	assert.Equal(t, "use {x} as a placeholder", res.Proposal.Thought)
}

func TestParse_DiagnosticNamesPasses(t *testing.T) {
	p := New()

	res := p.Parse(`{this is not json at all}`)
	require.False(t, res.Success)
	assert.Contains(t, res.Err, "masked parse failed")
	assert.Contains(t, res.Err, "repaired parse failed")
}
