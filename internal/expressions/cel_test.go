package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/casework/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_Literals(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "true", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), "1 + 2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)
}

func TestCEL_ScopeAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	data := sampleScope()

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"command name", `command.name == "assignment"`, true},
		{"instance status", `instance.process_status == "open"`, true},
		{"principal group", `"reviewers" in principal.groups`, true},
		{"self assignment", `command.assignee == principal.id`, false},
		{"active tasks", `instance.tasks.exists(t, t.active && t.task_instance_id == "t2")`, false},
		{"has field", `has(instance.application_status)`, true},
		{"string value", `process.label`, "Permits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestCEL_MissingVariablesDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(instance) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidExpression, schema.CodeOf(err))

	_, err = e.Evaluate(context.Background(), "instance.", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile error")

	_, err = e.Evaluate(context.Background(), "undeclared == 1", nil)
	require.Error(t, err)

	// Runtime error: missing key on a declared map.
	_, err = e.Evaluate(context.Background(), `instance.nope == "x"`, sampleScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluation failed")
	assert.Equal(t, schema.KindMisconfigured, schema.KindOf(err))
}

func TestCEL_CachesPrograms(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), `command.name == "x"`, nil)
		require.NoError(t, err)
	}
	_, _ = e.Evaluate(context.Background(), "((", nil)
	assert.Equal(t, 1, e.cache.len())
}

func TestCEL_ConcurrentEvaluation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	data := sampleScope()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `instance.process_status == "open"`, data)
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()
}
