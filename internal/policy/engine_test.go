package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/lectern/internal/config"
)

const toolPolicy = `
package lectern.tools

default decision = {"allow": false, "reason": "tool not permitted"}

allowed_tools = {"vector_search", "hybrid_search", "get_document"}

decision = {"allow": true, "reason": "permitted tool"} {
	allowed_tools[input.tool]
}
`

func writePolicy(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	return dir
}

func TestDisabledEngineAllowsAll(t *testing.T) {
	e, err := New(config.PolicyConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, e.IsEnabled())

	d, err := e.Evaluate(context.Background(), Input{Tool: "anything"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, "no policy configured", d.Reason)
}

func TestPolicyGatesTools(t *testing.T) {
	dir := writePolicy(t, "tools.rego", toolPolicy)
	e, err := New(config.PolicyConfig{Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, e.IsEnabled())

	d, err := e.Evaluate(context.Background(), Input{
		SessionID: "s1",
		Tool:      "vector_search",
		Args:      map[string]interface{}{"query": "the whale", "k": 5},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, "permitted tool", d.Reason)

	d, err = e.Evaluate(context.Background(), Input{SessionID: "s1", Tool: "delete_document"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "tool not permitted", d.Reason)
}

func TestBooleanDecision(t *testing.T) {
	dir := writePolicy(t, "bool.rego", `
package lectern.tools

default decision = false

decision = true {
	input.tool == "get_document"
}
`)
	e, err := New(config.PolicyConfig{Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	d, err := e.Evaluate(context.Background(), Input{Tool: "get_document"})
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = e.Evaluate(context.Background(), Input{Tool: "graph_search"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "denied by policy", d.Reason)
}

func TestBrokenPolicyFailsStartup(t *testing.T) {
	dir := writePolicy(t, "broken.rego", "package lectern.tools\n\ndecision = {")
	_, err := New(config.PolicyConfig{Path: dir}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile")
}

func TestEmptyPolicyDirFailsStartup(t *testing.T) {
	_, err := New(config.PolicyConfig{Path: t.TempDir()}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .rego files")
}
