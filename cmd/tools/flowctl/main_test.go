package main

import (
	"encoding/json"
	"testing"

	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand(t *testing.T) {
	topic, payload, err := buildCommand("bench1", "", "zero-ok")
	require.NoError(t, err)
	assert.Equal(t, "flowcal/bench1/cmd", topic)

	var cmd mfc.IncomingOperatorCommand
	require.NoError(t, json.Unmarshal(payload, &cmd))
	assert.Equal(t, "zero-ok", cmd.Action)
	assert.NotEmpty(t, cmd.ID)

	topic, _, err = buildCommand("bench1", "lab/b1", "cancel")
	require.NoError(t, err)
	assert.Equal(t, "lab/b1/cmd", topic)

	_, _, err = buildCommand("", "", "cancel")
	assert.Error(t, err)
	_, _, err = buildCommand("bench1", "", "explode")
	assert.Error(t, err)
	_, _, err = buildCommand("bench1", "", "calculate")
	assert.ErrorContains(t, err, "cannot be sent remotely")
}
