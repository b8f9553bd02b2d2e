package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/research-orchestrator/internal/auth"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	askFlags.simulated, askFlags.json, askFlags.verbose = false, false, false
	askFlags.maxRegather, askFlags.timeout = -1, time.Minute
	tokenFlags.secret, tokenFlags.expiry = "", 0

	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	err := root.Execute()
	return buf.String(), err
}

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"BRAVE_API_KEY", "SERPER_API_KEY", "JWT_SECRET", "REDIS_ADDR", "DATABASE_DRIVER", "CONFIG_PATH"} {
		t.Setenv(k, "")
	}
}

func TestAskPrintsPhasesAndReport(t *testing.T) {
	isolateEnv(t)
	out, err := executeCommand(t, rootCmd, "ask", "battery recycling", "--simulated", "--max-regather", "0")
	require.NoError(t, err, out)

	assert.Contains(t, out, "[1] planning")
	assert.Contains(t, out, "gathering (pass 1)")
	assert.Contains(t, out, "done")
	assert.Contains(t, out, "# Research Report: battery recycling")
}

func TestAskJSON(t *testing.T) {
	isolateEnv(t)
	out, err := executeCommand(t, rootCmd, "ask", "battery recycling", "--simulated", "--json")
	require.NoError(t, err, out)

	var res askOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "done", res.Status)
	assert.NotEmpty(t, res.TaskID)
	require.NotNil(t, res.Report)
	assert.Equal(t, "battery recycling", res.Report.Query)
	assert.Equal(t, res.TaskID, res.Diagnostics.TaskID)
}

func TestAskWithoutProvidersFails(t *testing.T) {
	isolateEnv(t)
	_, err := executeCommand(t, rootCmd, "ask", "battery recycling")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no search provider")
}

func TestAskRequiresQuery(t *testing.T) {
	isolateEnv(t)
	_, err := executeCommand(t, rootCmd, "ask")
	assert.Error(t, err)
}

func TestTokenIsValidForSecret(t *testing.T) {
	isolateEnv(t)
	out, err := executeCommand(t, rootCmd, "token", "--secret", "s3cret", "--user", "alice", "--scopes", auth.ScopeResearchRead)
	require.NoError(t, err)

	user, err := auth.NewJWTManager("s3cret", time.Hour).ValidateAccessToken(string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	assert.Equal(t, "alice", user.UserID)
	assert.True(t, user.HasScope(auth.ScopeResearchRead))
	assert.False(t, user.HasScope(auth.ScopeResearchWrite))
}

func TestTokenUsesSecretFromEnvironment(t *testing.T) {
	isolateEnv(t)
	t.Setenv("JWT_SECRET", "from-env")
	out, err := executeCommand(t, rootCmd, "token", "--user", "bob")
	require.NoError(t, err)

	_, err = auth.NewJWTManager("from-env", time.Hour).ValidateAccessToken(string(bytes.TrimSpace([]byte(out))))
	assert.NoError(t, err)
}

func TestTokenWithoutSecretFails(t *testing.T) {
	isolateEnv(t)
	_, err := executeCommand(t, rootCmd, "token", "--user", "carol")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no signing secret")
}
