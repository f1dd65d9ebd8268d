// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCheckerAccepts(t *testing.T) {
	c, err := NewVersionChecker(">=0.4.0")
	require.NoError(t, err)

	assert.NoError(t, c.Check("0.4.0"))
	assert.NoError(t, c.Check("0.4.1"))
	assert.NoError(t, c.Check("1.0.0"))
	// Development builds are compared without their .dev suffix.
	assert.NoError(t, c.Check("0.4.1.dev"))
	assert.NoError(t, c.Check("0.4.1.DEV"))
}

func TestVersionCheckerRejects(t *testing.T) {
	c, err := NewVersionChecker(">=0.4.0")
	require.NoError(t, err)

	err = c.Check("0.3.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version mismatch")

	assert.Error(t, c.Check(""))
	assert.Error(t, c.Check("not-a-version"))
	assert.Error(t, c.Check("0.3.9.dev"))
}

func TestVersionCheckerRange(t *testing.T) {
	c, err := NewVersionChecker(">=0.4.0, <0.6.0")
	require.NoError(t, err)

	assert.NoError(t, c.Check("0.5.2"))
	assert.Error(t, c.Check("0.6.0"))
}

func TestVersionCheckerBadSpec(t *testing.T) {
	_, err := NewVersionChecker("not a spec")
	assert.Error(t, err)
}
