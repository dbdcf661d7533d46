package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/acadflow/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCatalogLint_builtin(t *testing.T) {
	out, err := execute(t, "catalog", "lint")
	require.NoError(t, err)
	assert.Contains(t, out, "file(s) ok")
}

func TestCatalogLint_reportsErrors(t *testing.T) {
	dir := t.TempDir()
	doc := "workflow_type: project1\nsteps:\n  - key: orphan_late\n    order: 5\n    phase_key: nowhere\n    phase_variant: late\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(doc), 0o600))

	out, err := execute(t, "catalog", "lint", "--builtin=false", "--json", dir)
	require.Error(t, err)

	var verrs []struct {
		Path string `json:"path"`
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &verrs))
	require.NotEmpty(t, verrs)

	codes := map[string]bool{}
	for _, e := range verrs {
		codes[e.Code] = true
	}
	assert.True(t, codes["REQUIRED"], "missing title should be reported: %v", verrs)
}

func TestCatalogLint_noFiles(t *testing.T) {
	_, err := execute(t, "catalog", "lint", "--builtin=false", t.TempDir())
	require.Error(t, err)
}

func TestCatalogShow(t *testing.T) {
	out, err := execute(t, "catalog", "show", "project1")
	require.NoError(t, err)
	assert.Contains(t, out, "advisor_selection")
	assert.Contains(t, out, "topic_submission")
	assert.NotContains(t, out, "topic_submission_late", "variants are not part of the canonical listing")

	_, err = execute(t, "catalog", "show", "thesis")
	require.Error(t, err)
}

func evalJSON(t *testing.T, args ...string) model.StatusResult {
	t.Helper()
	out, err := execute(t, append([]string{"deadline", "eval", "--json"}, args...)...)
	require.NoError(t, err)
	var res model.StatusResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	return res
}

func TestDeadlineEval(t *testing.T) {
	const deadlineAt = "2025-09-01T17:00:00Z"

	tests := []struct {
		name    string
		args    []string
		status  model.DeadlineStatus
		locked  bool
		variant model.PhaseVariant
	}{
		{"pending with days left", []string{"--at", "2025-08-30T12:00:00Z"}, model.StatusPending, false, model.VariantDefault},
		{"overdue in grace", []string{"--grace", "60", "--lock", "--at", "2025-09-01T17:30:00Z"}, model.StatusOverdue, false, model.VariantLate},
		{"locked after grace", []string{"--grace", "60", "--lock", "--at", "2025-09-01T18:30:00Z"}, model.StatusLocked, true, model.VariantOverdue},
		{"submitted late", []string{"--submitted-at", "2025-09-01T17:05:00Z", "--at", "2025-09-02T00:00:00Z"}, model.StatusSubmittedLate, false, model.VariantLate},
		{"submitted on time", []string{"--submitted-at", "2025-09-01T16:00:00Z", "--at", "2025-09-02T00:00:00Z"}, model.StatusSubmitted, false, model.VariantDefault},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := evalJSON(t, append([]string{"--deadline-at", deadlineAt}, tc.args...)...)
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.locked, res.Locked)
			assert.Equal(t, tc.variant, res.Variant)
		})
	}

	res := evalJSON(t, "--deadline-at", deadlineAt, "--at", "2025-08-30T12:00:00Z")
	assert.Equal(t, 3, res.DaysLeft)
}

func TestDeadlineEval_window(t *testing.T) {
	res := evalJSON(t,
		"--window-start", "2025-09-01T00:00:00Z",
		"--window-end", "2025-09-05T00:00:00Z",
		"--at", "2025-09-02T00:00:00Z")
	assert.Equal(t, model.StatusInWindow, res.Status)
}

func TestDeadlineEval_invalid(t *testing.T) {
	_, err := execute(t, "deadline", "eval", "--deadline-at", "tomorrow")
	require.Error(t, err)

	_, err = execute(t, "deadline", "eval")
	require.Error(t, err, "a submission deadline needs a date")

	_, err = execute(t, "deadline", "eval", "--deadline-at", "2025-09-01T17:00:00Z", "--window-start", "2025-09-01T00:00:00Z")
	require.Error(t, err)
}

func TestMigrate_requiresDSN(t *testing.T) {
	t.Setenv("ACADCTL_DSN", "")
	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DSN")
}
