package dataguard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// guardServer fakes the evaluate and report-outcome endpoints with a
// scripted decision per tool name.
func guardServer(t *testing.T, decisions map[string]Decision) (*httptest.Server, *[]Outcome) {
	t.Helper()
	var mu sync.Mutex
	outcomes := &[]Outcome{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/evaluate"):
			var req EvaluateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			decision, ok := decisions[req.Proposal.ToolName]
			if !ok {
				decision = Decision{Verdict: VerdictAllow, ProposalID: req.Proposal.ProposalID}
			}
			json.NewEncoder(w).Encode(decision)
		case strings.HasSuffix(r.URL.Path, "/report-outcome"):
			var outcome Outcome
			require.NoError(t, json.NewDecoder(r.Body).Decode(&outcome))
			mu.Lock()
			*outcomes = append(*outcomes, outcome)
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, outcomes
}

func TestWrapAllowRunsOriginal(t *testing.T) {
	srv, _ := guardServer(t, map[string]Decision{
		"bash": {Verdict: VerdictAllow},
	})
	client, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	var calledWith string
	fn := client.Wrap(func(_ context.Context, toolName string, args map[string]any) (any, error) {
		calledWith = args["command"].(string)
		return "ran", nil
	}, WithAgentID("a1"))

	result, err := fn(context.Background(), "bash", map[string]any{"command": "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, "ran", result)
	assert.Equal(t, "echo hi", calledWith)
}

func TestWrapRewriteSubstitutesArguments(t *testing.T) {
	srv, _ := guardServer(t, map[string]Decision{
		"bash": {
			Verdict: VerdictRewrite,
			RewrittenCall: &RewrittenCall{
				OriginalToolName:  "bash",
				OriginalToolArgs:  map[string]any{"command": "sudo ls"},
				RewrittenToolName: "bash",
				RewrittenToolArgs: map[string]any{"command": "ls"},
				RewriteRuleID:     "neutralize-sudo",
			},
		},
	})
	client, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	var ranArgs map[string]any
	fn := client.Wrap(func(_ context.Context, toolName string, args map[string]any) (any, error) {
		ranArgs = args
		return nil, nil
	})

	_, err = fn(context.Background(), "bash", map[string]any{"command": "sudo ls"})
	require.NoError(t, err)
	assert.Equal(t, "ls", ranArgs["command"])
}

func TestWrapDenyBlocks(t *testing.T) {
	srv, _ := guardServer(t, map[string]Decision{
		"bash": {Verdict: VerdictDeny, Reason: "rm -rf is not allowed"},
	})
	client, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	called := false
	fn := client.Wrap(func(_ context.Context, _ string, _ map[string]any) (any, error) {
		called = true
		return nil, nil
	})

	_, err = fn(context.Background(), "bash", map[string]any{"command": "rm -rf /"})
	require.Error(t, err)
	assert.False(t, called, "denied tool must not run")

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, VerdictDeny, blocked.Decision.Verdict)
	assert.Contains(t, blocked.Error(), "rm -rf is not allowed")
}

func TestWrapRequireApprovalBlocks(t *testing.T) {
	srv, _ := guardServer(t, map[string]Decision{
		"stripe_charge": {Verdict: VerdictRequireApproval, DecisionID: "d-77", RequiresHuman: true},
	})
	client, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	fn := client.Wrap(func(_ context.Context, _ string, _ map[string]any) (any, error) {
		return nil, nil
	})

	_, err = fn(context.Background(), "stripe_charge", map[string]any{"amount": 100})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "d-77", blocked.Decision.DecisionID)
}

func TestWrapReportsOutcome(t *testing.T) {
	srv, outcomes := guardServer(t, map[string]Decision{
		"bash": {Verdict: VerdictAllow, ProposalID: "p-5"},
	})
	client, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	fn := client.Wrap(func(_ context.Context, _ string, _ map[string]any) (any, error) {
		return "done", nil
	}, WithOutcomeReporting())

	_, err = fn(context.Background(), "bash", map[string]any{"command": "ls"})
	require.NoError(t, err)

	require.Len(t, *outcomes, 1)
	assert.Equal(t, "p-5", (*outcomes)[0].ProposalID)
	assert.True(t, (*outcomes)[0].Success)
}
