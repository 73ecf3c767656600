// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanzalabs/chatflux/xmpp"
)

func TestEncodeMessage(t *testing.T) {
	msg := &xmpp.Message{ID: "1", Type: "chat", From: "a@pvp.net", To: "b@pvp.net", Body: "hi"}
	data, err := Encode(msg)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, KindMessage, env.Type)

	st, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, st)
}

func TestEncodePresence(t *testing.T) {
	p := &xmpp.Presence{
		From:     "a@pvp.net",
		To:       "b@pvp.net",
		Show:     "chat",
		Priority: 1,
		Status:   &xmpp.PresenceStatus{Level: 30, Tier: "GOLD", GameStatus: "outOfGame"},
	}
	data, err := Encode(p)
	require.NoError(t, err)

	st, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, p, st)
}

func TestEncodeUnroutableStanza(t *testing.T) {
	_, err := Encode(xmpp.SASLSuccess{})
	assert.ErrorIs(t, err, ErrUnroutableStanza)
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"iq","object":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeMalformedEnvelope(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeMalformedObject(t *testing.T) {
	_, err := Decode([]byte(`{"type":"message","object":[1,2]}`))
	assert.Error(t, err)
}
