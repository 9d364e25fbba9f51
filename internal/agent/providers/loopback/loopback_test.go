package loopback

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amelia-dev/amelia/internal/agent"
)

func TestProviderRegistered(t *testing.T) {
	require.Contains(t, agent.ProviderNames(), "loopback")

	p, err := agent.NewProvider("loopback")
	require.NoError(t, err)
	require.NotNil(t, p.Driver)
	require.NotNil(t, p.Tracker)
}

func TestDriver_GenerateParsesAsPlan(t *testing.T) {
	p, err := agent.NewProvider("loopback")
	require.NoError(t, err)

	planner := agent.NewPlanner(p.Driver)
	result, usage, err := planner.Plan(context.Background(), agent.PlanRequest{
		Model: "loopback",
		Issue: agent.Issue{ID: "ISS-1", Title: "Fix it", Description: "broken"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.PlanText)
	require.NotEmpty(t, result.Goal)
	require.Equal(t, "loopback", usage.Model)
}

func TestDriver_GenerateParsesAsReview(t *testing.T) {
	p, err := agent.NewProvider("loopback")
	require.NoError(t, err)

	reviewer := agent.NewReviewer(p.Driver)
	result, _, err := reviewer.Review(context.Background(), agent.ReviewRequest{Model: "loopback"})
	require.NoError(t, err)
	require.Equal(t, agent.VerdictApproved, result.Verdict)
}

func TestDriver_StreamEndsWithResult(t *testing.T) {
	p, err := agent.NewProvider("loopback")
	require.NoError(t, err)

	stream, err := p.Driver.StreamAgentic(context.Background(), agent.AgenticRequest{
		Model: "loopback", Goal: "fix", WorkDir: "/tmp",
	})
	require.NoError(t, err)

	var last agent.AgenticEvent
	for ev := range stream {
		if ev.Kind == agent.AgenticToolCall {
			var input map[string]any
			require.NoError(t, json.Unmarshal(ev.Input, &input))
		}
		last = ev
	}
	require.Equal(t, agent.AgenticResult, last.Kind)
	require.NotNil(t, last.Usage)
	require.NotEmpty(t, last.SessionID)
}

func TestTracker_SynthesizesIssue(t *testing.T) {
	p, err := agent.NewProvider("loopback")
	require.NoError(t, err)

	issue, err := p.Tracker.GetIssue(context.Background(), "ISS-42")
	require.NoError(t, err)
	require.Equal(t, "ISS-42", issue.ID)
	require.NotEmpty(t, issue.Title)
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := agent.NewProvider("ghost")
	require.Error(t, err)
}
