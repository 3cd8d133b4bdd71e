package digraph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-org/drover/internal/core"
)

func loadFromYAML(t *testing.T, content string) *DAG {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	dag, err := Load(path)
	require.NoError(t, err)
	return dag
}

const linearPipeline = `
name: demo
nodes:
  - id: start
    handler: terminal-entry
  - id: impl_auth
    handler: code-generator
    file: internal/auth/auth.go
    acceptance: "auth module passes review"
    depends: start
  - id: review_auth
    handler: human-wait
    depends: impl_auth
  - id: finish
    handler: terminal-exit
    depends: review_auth
`

func TestLoad(t *testing.T) {
	dag := loadFromYAML(t, linearPipeline)

	assert.Equal(t, "demo", dag.Name)
	require.Len(t, dag.Nodes(), 4)

	impl := dag.Node("impl_auth")
	require.NotNil(t, impl)
	assert.Equal(t, core.HandlerCodeGenerator, impl.Handler)
	assert.Equal(t, "internal/auth/auth.go", impl.FilePath)
	assert.Equal(t, core.NodeStatusPending, impl.Status)

	assert.Equal(t, []string{"impl_auth"}, dag.Predecessors("review_auth"))
	assert.Equal(t, []string{"review_auth"}, dag.Successors("impl_auth"))
	assert.Len(t, dag.Edges(), 3)
}

func TestLoadNameDefaultsToFilename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.yaml")
	content := `
nodes:
  - id: only
    handler: code-generator
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	dag, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "billing", dag.Name)
	assert.Equal(t, path, dag.Location)
}

func TestLoadPreservesUnknownKeysAsMetadata(t *testing.T) {
	dag := loadFromYAML(t, `
name: meta
nodes:
  - id: a
    handler: code-generator
    owner: platform-team
    estimate: 3
`)
	node := dag.Node("a")
	require.NotNil(t, node.Metadata)
	assert.Equal(t, "platform-team", node.Metadata["owner"])
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no nodes",
			content: "name: empty\n",
			wantErr: "no nodes",
		},
		{
			name: "duplicate id",
			content: `
nodes:
  - id: a
    handler: code-generator
  - id: a
    handler: code-generator
`,
			wantErr: "duplicate node id",
		},
		{
			name: "unknown dependency",
			content: `
nodes:
  - id: a
    handler: code-generator
    depends: ghost
`,
			wantErr: "unknown node",
		},
		{
			name: "cycle",
			content: `
nodes:
  - id: a
    handler: code-generator
    depends: b
  - id: b
    handler: code-generator
    depends: a
`,
			wantErr: "cycle",
		},
		{
			name: "unknown handler",
			content: `
nodes:
  - id: a
    handler: teleporter
`,
			wantErr: "unknown handler",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o600))
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestReady(t *testing.T) {
	dag := loadFromYAML(t, `
name: ready
nodes:
  - id: a
    handler: code-generator
  - id: c
    handler: code-generator
    depends: a
  - id: b
    handler: code-generator
    depends: a
`)
	ready := dag.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	dag.ApplyState(map[string]core.NodeStatus{"a": core.NodeStatusValidated}, nil)
	ready = dag.Ready()
	require.Len(t, ready, 2)
	assert.Equal(t, "b", ready[0].ID)
	assert.Equal(t, "c", ready[1].ID)
}

func TestStuck(t *testing.T) {
	dag := loadFromYAML(t, `
name: stuck
nodes:
  - id: a
    handler: code-generator
  - id: b
    handler: code-generator
    depends: a
`)

	dag.ApplyState(map[string]core.NodeStatus{"a": core.NodeStatusFailed}, map[string]int{"a": 3})
	stuck := dag.Stuck(3)
	require.Len(t, stuck, 2)
	assert.Equal(t, "a", stuck[0].Node.ID)
	assert.Contains(t, stuck[0].Reason, "retry budget exhausted")
	assert.Equal(t, "b", stuck[1].Node.ID)
	assert.Contains(t, stuck[1].Reason, "upstream a")
}

func TestStuckIgnoresRetryableFailures(t *testing.T) {
	dag := loadFromYAML(t, `
name: retryable
nodes:
  - id: a
    handler: code-generator
`)
	dag.ApplyState(map[string]core.NodeStatus{"a": core.NodeStatusFailed}, map[string]int{"a": 1})
	assert.Empty(t, dag.Stuck(3))
}

func TestIsComplete(t *testing.T) {
	dag := loadFromYAML(t, linearPipeline)
	assert.False(t, dag.IsComplete())

	dag.ApplyState(map[string]core.NodeStatus{
		"start":       core.NodeStatusValidated,
		"impl_auth":   core.NodeStatusValidated,
		"review_auth": core.NodeStatusValidated,
	}, nil)
	// The terminal-exit node is still pending but all its predecessors are
	// validated, which counts as finished.
	assert.True(t, dag.IsComplete())

	dag.ApplyState(map[string]core.NodeStatus{"finish": core.NodeStatusValidated}, nil)
	assert.True(t, dag.IsComplete())
}

func TestIsCompleteWithoutTerminalExit(t *testing.T) {
	dag := loadFromYAML(t, `
name: leaves
nodes:
  - id: a
    handler: code-generator
  - id: b
    handler: code-generator
    depends: a
`)
	assert.False(t, dag.IsComplete())
	dag.ApplyState(map[string]core.NodeStatus{
		"a": core.NodeStatusValidated,
		"b": core.NodeStatusValidated,
	}, nil)
	assert.True(t, dag.IsComplete())
}
