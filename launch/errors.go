// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package launch

import (
	"errors"
	"fmt"
)

// Launch failures are terminal for the current launch. A bad or replayed token is never retried; the platform must
// re-initiate from scratch.
var (
	// ErrReplayOrExpired is the error returned when the posted state has no matching, unexpired pending login.
	ErrReplayOrExpired = errors.New("launch state replayed or expired")

	// ErrInvalidSignature is the error returned when the id_token is malformed or its signature does not verify
	// against the platform's key.
	ErrInvalidSignature = errors.New("invalid id_token signature")

	// ErrUnknownSigningKey is the error returned when the id_token key ID cannot be resolved in the platform's
	// keyset, even after a cache refresh.
	ErrUnknownSigningKey = errors.New("unknown id_token signing key")
)

// A ClaimMismatchError reports a claim whose value contradicts the registration or the pending login.
type ClaimMismatchError struct {
	Claim string
}

func (e *ClaimMismatchError) Error() string {
	return fmt.Sprintf("claim mismatch: %s", e.Claim)
}

// A MissingClaimError reports a required LTI claim that is absent or empty.
type MissingClaimError struct {
	Claim string
}

func (e *MissingClaimError) Error() string {
	return fmt.Sprintf("missing required claim: %s", e.Claim)
}

func claimMismatch(claim string) error {
	return &ClaimMismatchError{Claim: claim}
}

func missingClaim(claim string) error {
	return &MissingClaimError{Claim: claim}
}
