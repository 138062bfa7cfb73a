package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "verify")
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "frobnicate"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestParseRef(t *testing.T) {
	ref, err := parseRef("7/ab12cd34ef56")
	require.NoError(t, err)
	assert.Equal(t, contracts.EvidenceRef{Sequence: 7, SnapshotHash: "ab12cd34ef56"}, ref)

	ref, err = parseRef("3")
	require.NoError(t, err)
	assert.Equal(t, contracts.EvidenceRef{Sequence: 3}, ref)

	_, err = parseRef("not-a-ref")
	assert.Error(t, err)
}

func TestDemoSolvesSampleGoal(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "demo"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "status: OPTIMAL")
	assert.Contains(t, stdout.String(), "evidence: 1/")
}

func TestDemoInfeasibleBudgetPrintsRelaxations(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "demo", "--budget", "500", "--floor", "900", "--scenarios", "5"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "status: INFEASIBLE")
	assert.Contains(t, stdout.String(), "budget")
}

func TestVerifyRequiresFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "verify"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "--store and --ref are required")
}
