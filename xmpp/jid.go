// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

package xmpp

import (
	"encoding/base64"
	"errors"
	"strings"
)

// secretPrefix is the constant literal the client prepends to the password
// field of the auth payload. It is stripped before verification.
const secretPrefix = "AIR_"

var (
	// ErrEmptyAuthPayload is returned for an auth stanza with no content.
	ErrEmptyAuthPayload = errors.New("empty auth payload")
	// ErrMalformedAuthPayload is returned when the decoded payload does not
	// contain exactly three NUL-separated fields.
	ErrMalformedAuthPayload = errors.New("malformed auth payload")
)

// JID is the identity bound to a session. Bare, Username and Secret are fixed
// at decode time; Authenticated flips false to true exactly once, at
// successful credential verification, and never reverts.
type JID struct {
	Bare          string
	Username      string
	Secret        string
	Authenticated bool
}

// DecodeAuthPayload decodes the base64 auth token into an identity.
//
// The token carries three NUL-separated fields:
//
//	<username>@<domain>\0<username>\0AIR_<password>
//
// with the first field being the bare JID. Any other field count fails.
func DecodeAuthPayload(payload string) (*JID, error) {
	if payload == "" {
		return nil, ErrEmptyAuthPayload
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.Join(ErrMalformedAuthPayload, err)
	}
	fields := strings.Split(string(raw), "\x00")
	if len(fields) != 3 {
		return nil, ErrMalformedAuthPayload
	}
	return &JID{
		Bare:     fields[0],
		Username: fields[1],
		Secret:   strings.ReplaceAll(fields[2], secretPrefix, ""),
	}, nil
}
