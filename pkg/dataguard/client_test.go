package dataguard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientEvaluate(t *testing.T) {
	var gotPath, gotKey string
	var gotReq EvaluateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(Decision{
			DecisionID: "d-1",
			ProposalID: "p-1",
			Verdict:    VerdictAllow,
			RiskScore:  RiskScore{FinalScore: 10},
		})
	}))
	defer srv.Close()

	client, err := New(WithBaseURL(srv.URL), WithAPIKey("secret"))
	require.NoError(t, err)

	decision, err := client.Evaluate(context.Background(), EvaluateRequest{
		Proposal: Proposal{ToolName: "bash", ToolArgs: map[string]any{"command": "ls"}},
		Context:  Context{AgentID: "a1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/guardian/evaluate", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "bash", gotReq.Proposal.ToolName)
	assert.Equal(t, VerdictAllow, decision.Verdict)
}

func TestClientEvaluateBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/guardian/evaluate-batch", r.URL.Path)
		json.NewEncoder(w).Encode([]Decision{
			{DecisionID: "d-1", Verdict: VerdictDeny},
			{DecisionID: "d-2", Verdict: VerdictAllow},
		})
	}))
	defer srv.Close()

	client, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	decisions, err := client.EvaluateBatch(context.Background(), []EvaluateRequest{{}, {}})
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, VerdictDeny, decisions[0].Verdict)
	assert.Equal(t, VerdictAllow, decisions[1].Verdict)
}

func TestClientReportOutcome(t *testing.T) {
	var got Outcome
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/guardian/report-outcome", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	err = client.ReportOutcome(context.Background(), Outcome{ProposalID: "p-9", Success: true})
	require.NoError(t, err)
	assert.Equal(t, "p-9", got.ProposalID)
}

func TestClientResolveApproval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/guardian/approve/d-42", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("approved"))
		assert.Equal(t, "admin", r.URL.Query().Get("reviewer"))
		json.NewEncoder(w).Encode(Decision{DecisionID: "d-42", Verdict: VerdictAllow})
	}))
	defer srv.Close()

	client, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	decision, err := client.ResolveApproval(context.Background(), "d-42", true, "admin")
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, decision.Verdict)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid API key"})
	}))
	defer srv.Close()

	client, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = client.Evaluate(context.Background(), EvaluateRequest{})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid API key", apiErr.Message)
}
