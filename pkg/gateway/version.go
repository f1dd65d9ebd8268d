// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package gateway

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// VersionChecker validates the client version announced in a request head
// against the configured acceptance specifier.
type VersionChecker struct {
	spec       string
	constraint *semver.Constraints
}

// NewVersionChecker parses an acceptance specifier such as ">=0.4.0".
func NewVersionChecker(spec string) (*VersionChecker, error) {
	constraint, err := semver.NewConstraint(spec)
	if err != nil {
		return nil, fmt.Errorf("parse client_version %q: %w", spec, err)
	}
	return &VersionChecker{spec: spec, constraint: constraint}, nil
}

// Check returns an error when v is missing, unparsable, or outside the
// accepted range. Development builds announce a trailing ".dev", which is
// stripped before comparison.
func (c *VersionChecker) Check(v string) error {
	trimmed := v
	if strings.HasSuffix(strings.ToLower(trimmed), ".dev") {
		trimmed = trimmed[:len(trimmed)-len(".dev")]
	}
	ver, err := semver.NewVersion(trimmed)
	if err != nil {
		return fmt.Errorf("unparsable client version %q", v)
	}
	if !c.constraint.Check(ver) {
		return fmt.Errorf("Client version mismatch, please upgrade your client (%s)", c.spec)
	}
	return nil
}
