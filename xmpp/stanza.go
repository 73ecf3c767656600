// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

// Package xmpp implements the restricted XMPP dialect spoken by the chat
// relay: the stream handshake stanzas, SASL auth, IQ bind/session/register,
// and the message and presence stanzas routed between users.
package xmpp

import (
	"strconv"
)

// Wire protocol constants.
const (
	Domain = "pvp.net"

	NSClient   = "jabber:client"
	NSStream   = "http://etherx.jabber.org/streams"
	NSSASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind     = "urn:ietf:params:xml:ns:xmpp-bind"
	NSSession  = "urn:ietf:params:xml:ns:xmpp-session"
	NSRegister = "jabber:iq:register"
	NSRegFeat  = "http://jabber.org/features/iq-register"
	NSMUC      = "http://jabber.org/protocol/muc"
)

// Stanza is one outbound protocol unit. Each variant renders its exact wire
// syntax; attribute order is part of the contract.
type Stanza interface {
	Wire() string
}

// StreamOpen is the server's stream header. It renders an unclosed open tag;
// the stream element stays open until the connection ends.
type StreamOpen struct {
	// ID is the session id, echoed to the client as the stream id.
	ID string
}

func (s StreamOpen) Wire() string {
	e := NewElement("stream:stream").
		Attr("from", Domain).
		Attr("xmlns", NSClient).
		Attr("xmlns:stream", NSStream).
		Attr("version", "1.0").
		Attr("id", s.ID)
	e.Unclosed = true
	return e.String()
}

// Features advertises stream features. Before authentication the SASL
// mechanisms are offered; afterwards the register feature is offered instead.
type Features struct {
	Register bool
}

func (f Features) Wire() string {
	e := NewElement("stream:features")
	if f.Register {
		e.Child("register").Attr("xmlns", NSRegFeat)
		return e.String()
	}
	m := e.Child("mechanisms").Attr("xmlns", NSSASL)
	for _, mech := range []string{"PLAIN", "ANONYMOUS", "EXTERNAL"} {
		m.Child("mechanism").SetText(mech)
	}
	return e.String()
}

// SASLSuccess acknowledges a successful authentication.
type SASLSuccess struct{}

func (SASLSuccess) Wire() string {
	return NewElement("success").Attr("xmlns", NSSASL).String()
}

// BindResult answers a resource bind request with the full JID.
type BindResult struct {
	IQID     string
	Bare     string
	Resource string
}

func (r BindResult) Wire() string {
	e := NewElement("iq").Attr("id", r.IQID).Attr("type", "result")
	e.Child("bind").Attr("xmlns", NSBind).
		Child("jid").SetText(r.Bare + "/" + r.Resource)
	return e.String()
}

// SessionResult answers a session establishment request.
type SessionResult struct {
	IQID string
}

func (r SessionResult) Wire() string {
	return NewElement("iq").Attr("id", r.IQID).Attr("type", "result").String()
}

// RegisterResult answers a registration schema query with the field stub.
type RegisterResult struct {
	IQID string
}

func (r RegisterResult) Wire() string {
	e := NewElement("iq").Attr("type", "result").Attr("id", r.IQID)
	q := e.Child("query").Attr("xmlns", NSRegister)
	q.Child("username")
	q.Child("password")
	return e.String()
}

// Message is a chat message stanza.
type Message struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Body string `json:"body"`
}

func (m *Message) Wire() string {
	e := NewElement("message").Attr("id", m.ID).Attr("type", m.Type)
	if m.From != "" {
		e.Attr("from", m.From)
	}
	if m.To != "" {
		e.Attr("to", m.To)
	}
	e.Child("body").SetText(m.Body)
	return e.String()
}

// Presence is an availability stanza, optionally carrying the player status
// block.
type Presence struct {
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Show     string          `json:"show,omitempty"`
	Priority int             `json:"priority"`
	Status   *PresenceStatus `json:"status,omitempty"`
}

func (p *Presence) Wire() string {
	e := NewElement("presence")
	if p.To != "" {
		e.Attr("to", p.To)
	}
	e.Child("priority").SetText(strconv.Itoa(p.Priority))
	status := e.Child("status")
	if p.Status != nil {
		p.Status.appendTo(status)
	}
	if p.Show != "" {
		e.Child("show").SetText(p.Show)
	}
	e.Child("x").Attr("xmlns", NSMUC)
	return e.String()
}

// PresenceStatus is the fixed player status schema nested inside a presence
// stanza's status element.
type PresenceStatus struct {
	ProfileIcon  int    `xml:"profileIcon" json:"profileIcon"`
	Level        int    `xml:"level" json:"level"`
	Wins         int    `xml:"wins" json:"wins"`
	Leaves       int    `xml:"leaves" json:"leaves"`
	OdinWins     int    `xml:"odinWins" json:"odinWins"`
	OdinLeaves   int    `xml:"odinLeaves" json:"odinLeaves"`
	QueueType    string `xml:"queueType" json:"queueType,omitempty"`
	RankedLosses int    `xml:"rankedLosses" json:"rankedLosses"`
	RankedRating int    `xml:"rankedRating" json:"rankedRating"`
	Tier         string `xml:"tier" json:"tier"`
	GameStatus   string `xml:"gameStatus" json:"gameStatus"`
	StatusMsg    string `xml:"statusMsg" json:"statusMsg,omitempty"`
}

func (s *PresenceStatus) appendTo(parent *Element) {
	b := parent.Child("body")
	b.Child("profileIcon").SetText(strconv.Itoa(s.ProfileIcon))
	b.Child("level").SetText(strconv.Itoa(s.Level))
	b.Child("wins").SetText(strconv.Itoa(s.Wins))
	b.Child("leaves").SetText(strconv.Itoa(s.Leaves))
	b.Child("odinWins").SetText(strconv.Itoa(s.OdinWins))
	b.Child("odinLeaves").SetText(strconv.Itoa(s.OdinLeaves))
	b.Child("queueType").SetText(s.QueueType)
	b.Child("rankedLosses").SetText(strconv.Itoa(s.RankedLosses))
	b.Child("rankedRating").SetText(strconv.Itoa(s.RankedRating))
	b.Child("tier").SetText(s.Tier)
	b.Child("gameStatus").SetText(s.GameStatus)
	b.Child("statusMsg").SetText(s.StatusMsg)
}
