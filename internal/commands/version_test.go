// Copyright (c) Flutter DAP Bridge Authors.
// Licensed under the MIT License.

package commands

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionString(t *testing.T) {
	t.Parallel()

	versionStr, err := versionString()
	require.NoError(t, err)

	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(versionStr), &info))
	assert.Equal(t, defaultVersion, info["version"])
}
