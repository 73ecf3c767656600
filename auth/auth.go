// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

// Package auth defines the credential verification boundary. The protocol
// engine only asks whether a username/secret pair is valid; where the
// credentials live is an implementation concern.
package auth

import "context"

// Verifier confirms user credentials.
type Verifier interface {
	// Verify reports whether the username/secret pair is valid. A false
	// result with a nil error means the credentials were checked and
	// rejected; an error means the check itself failed.
	Verify(ctx context.Context, username, secret string) (bool, error)
}
