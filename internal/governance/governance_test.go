package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate_NoMatchDefaultsToReview(t *testing.T) {
	e := New(nil)
	res, err := e.Evaluate(context.Background(), Request{Resource: "schema:orders", Action: "publish"})
	require.NoError(t, err)
	require.Equal(t, DecisionReview, res.Decision)
}

func TestEvaluate_DenyOutranksAllowAtLowerPriority(t *testing.T) {
	e := New([]Policy{
		{Name: "allow-all", ResourcePattern: "*", ActionPattern: "*", Decision: DecisionAllow, Priority: 0},
		{Name: "deny-critical", ResourcePattern: "schema:*", ActionPattern: "publish", Decision: DecisionDeny, Priority: 10},
	})
	res, err := e.Evaluate(context.Background(), Request{Resource: "schema:orders", Action: "publish"})
	require.NoError(t, err)
	require.Equal(t, DecisionDeny, res.Decision)
	require.Equal(t, "deny-critical", res.PolicyName)
}

func TestAuthorize_DenyReturnsGovernanceDeniedError(t *testing.T) {
	e := New([]Policy{
		{Name: "deny-untrusted", ResourcePattern: "*", ActionPattern: "*", Decision: DecisionDeny},
	})
	_, err := e.Authorize(context.Background(), Request{Resource: "config:x", Action: "update"})
	require.Error(t, err)
}

func TestEvaluate_ConditionGatesDecision(t *testing.T) {
	e := New([]Policy{
		{
			Name:            "high-risk-review",
			ResourcePattern: "playbook:*",
			ActionPattern:   "distribute",
			Decision:        DecisionReview,
			Conditions:      []string{`context.risk == "high"`},
			Priority:        5,
		},
	})
	res, err := e.Evaluate(context.Background(), Request{
		Resource: "playbook:incident-response",
		Action:   "distribute",
		Context:  map[string]interface{}{"risk": "high"},
	})
	require.NoError(t, err)
	require.Equal(t, DecisionReview, res.Decision)

	res2, err := e.Evaluate(context.Background(), Request{
		Resource: "playbook:incident-response",
		Action:   "distribute",
		Context:  map[string]interface{}{"risk": "low"},
	})
	require.NoError(t, err)
	require.Equal(t, DecisionReview, res2.Decision) // falls through to no-match default
}
