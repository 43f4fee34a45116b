package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/casework/pkg/schema"
)

func TestAuditLog_SaveAndHistory(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		log := NewAuditLog(repo)
		ctx := context.Background()
		pc := schema.ProviderContext{ProcessDefinitionKey: "permits", ProcessInstanceID: "inst-1", PrincipalID: "alice"}

		require.NoError(t, log.SaveCommandEvent(ctx, &schema.CommandEvent{Command: "activation", Context: pc, Completed: true}))
		require.NoError(t, log.SaveCommandEvent(ctx, &schema.CommandEvent{Command: "suspension", Context: pc, ErrorCode: schema.ErrCodeInvalidProcessStatus}))
		require.NoError(t, log.SaveCommandEvent(ctx, &schema.CommandEvent{Command: "suspension", Context: pc, Completed: true}))

		history, err := log.History(ctx, "inst-1")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, "alice", history[0].Context.PrincipalID)
		assert.Equal(t, schema.ErrCodeInvalidProcessStatus, history[1].ErrorCode)

		since, err := log.Events(ctx, "inst-1", 2)
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.True(t, since[0].Completed)

		summary, err := log.Summarize(ctx, "inst-1")
		require.NoError(t, err)
		assert.Equal(t, 3, summary.Total)
		assert.Equal(t, 1, summary.Failed)
		assert.Equal(t, 2, summary.Commands["suspension"])
		assert.Equal(t, 1, summary.ByCode[schema.ErrCodeInvalidProcessStatus])
	})
}

func TestAuditLog_RejectsIncompleteEvents(t *testing.T) {
	log := NewAuditLog(NewMemoryStore())
	ctx := context.Background()

	assert.Equal(t, schema.ErrCodeInvalidInput, schema.CodeOf(log.SaveCommandEvent(ctx, nil)))
	assert.Equal(t, schema.ErrCodeInvalidInput, schema.CodeOf(log.SaveCommandEvent(ctx, &schema.CommandEvent{})))

	_, err := log.History(ctx, "")
	assert.Equal(t, schema.ErrCodeInvalidInput, schema.CodeOf(err))
}

func TestAuditLog_HistoryDetectsGaps(t *testing.T) {
	repo := NewMemoryStore()
	ctx := context.Background()
	pc := schema.ProviderContext{ProcessInstanceID: "inst-gap"}
	require.NoError(t, repo.AppendCommandEvent(ctx, &schema.CommandEvent{Command: "activation", Context: pc}))

	// Simulate a lost write.
	repo.mu.Lock()
	repo.sequences["inst-gap"]++
	repo.mu.Unlock()
	require.NoError(t, repo.AppendCommandEvent(ctx, &schema.CommandEvent{Command: "suspension", Context: pc}))

	_, err := NewAuditLog(repo).History(ctx, "inst-gap")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "expected 2, got 3")
}
