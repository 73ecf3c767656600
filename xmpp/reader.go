// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

package xmpp

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseError is a typed stanza decode failure. The session layer uses the
// stanza kind to decide whether the failure is fatal to the handshake or the
// stanza is dropped.
type ParseError struct {
	Stanza string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Stanza, e.Reason)
}

// Inbound is one decoded client protocol unit.
type Inbound interface {
	inbound()
}

// StreamStart is the client's stream open tag.
type StreamStart struct {
	To string
}

// AuthRequest is the client's SASL auth stanza with its base64 content.
type AuthRequest struct {
	Mechanism string
	Payload   string
}

// IQ is a decoded client IQ stanza. Child and ChildNS identify the first
// child element; Resource carries the requested bind resource when present.
type IQ struct {
	Type     string
	ID       string
	Child    string
	ChildNS  string
	Resource string
}

// StreamEnd is the closing tag of the client's stream element.
type StreamEnd struct{}

func (StreamStart) inbound() {}
func (AuthRequest) inbound() {}
func (*IQ) inbound()         {}
func (*Message) inbound()    {}
func (*Presence) inbound()   {}
func (StreamEnd) inbound()   {}

// StreamReader decodes client protocol units from a byte stream. The stream
// is an XML fragment: the stream element opens once (or again after SASL
// success) and stanzas follow as its children.
type StreamReader struct {
	d *xml.Decoder
}

// NewStreamReader creates a reader over the connection's inbound bytes.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{d: xml.NewDecoder(r)}
}

// Next returns the next protocol unit. It returns io.EOF when the transport
// closes and *ParseError for malformed stanzas; transport errors pass
// through unchanged.
func (r *StreamReader) Next() (Inbound, error) {
	for {
		tok, err := r.d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return r.readStanza(t)
		case xml.EndElement:
			if t.Name.Local == "stream" {
				return StreamEnd{}, nil
			}
		default:
			// Declarations, whitespace and comments between stanzas.
		}
	}
}

func (r *StreamReader) readStanza(se xml.StartElement) (Inbound, error) {
	switch se.Name.Local {
	case "stream":
		return StreamStart{To: attrValue(se, "to")}, nil
	case "auth":
		payload, err := r.textUntilEnd(se.Name)
		if err != nil {
			return nil, err
		}
		return AuthRequest{Mechanism: attrValue(se, "mechanism"), Payload: payload}, nil
	case "iq":
		return r.readIQ(se)
	case "message":
		return r.readMessage(se)
	case "presence":
		return r.readPresence(se)
	default:
		// Unknown stanzas are consumed and skipped.
		if err := r.d.Skip(); err != nil {
			return nil, err
		}
		return nil, &ParseError{Stanza: se.Name.Local, Reason: "unknown stanza"}
	}
}

func (r *StreamReader) readIQ(se xml.StartElement) (Inbound, error) {
	iq := &IQ{Type: attrValue(se, "type"), ID: attrValue(se, "id")}
	if iq.Type == "" {
		r.d.Skip()
		return nil, &ParseError{Stanza: "iq", Reason: "missing type"}
	}
	if iq.ID == "" {
		r.d.Skip()
		return nil, &ParseError{Stanza: "iq", Reason: "missing id"}
	}
	for {
		tok, err := r.d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if iq.Child != "" {
				if err := r.d.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			iq.Child = t.Name.Local
			iq.ChildNS = t.Name.Space
			if t.Name.Local == "bind" {
				if err := r.readBindBody(iq); err != nil {
					return nil, err
				}
			} else if err := r.d.Skip(); err != nil {
				return nil, err
			}
		case xml.EndElement:
			if t.Name.Local == "iq" {
				if iq.Child == "" {
					return nil, &ParseError{Stanza: "iq", Reason: "missing child element"}
				}
				return iq, nil
			}
		}
	}
}

// readBindBody consumes the bind element, capturing the requested resource
// name if the client sent one.
func (r *StreamReader) readBindBody(iq *IQ) error {
	for {
		tok, err := r.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "resource" {
				text, err := r.textUntilEnd(t.Name)
				if err != nil {
					return err
				}
				iq.Resource = text
				continue
			}
			if err := r.d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			if t.Name.Local == "bind" {
				return nil
			}
		}
	}
}

func (r *StreamReader) readMessage(se xml.StartElement) (Inbound, error) {
	var wire struct {
		ID   string `xml:"id,attr"`
		Type string `xml:"type,attr"`
		From string `xml:"from,attr"`
		To   string `xml:"to,attr"`
		Body string `xml:"body"`
	}
	if err := r.d.DecodeElement(&wire, &se); err != nil {
		return nil, &ParseError{Stanza: "message", Reason: err.Error()}
	}
	return &Message{
		ID:   wire.ID,
		Type: wire.Type,
		From: wire.From,
		To:   wire.To,
		Body: wire.Body,
	}, nil
}

func (r *StreamReader) readPresence(se xml.StartElement) (Inbound, error) {
	p := &Presence{
		To:   attrValue(se, "to"),
		From: attrValue(se, "from"),
	}
	for {
		tok, err := r.d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "show":
				text, err := r.textUntilEnd(t.Name)
				if err != nil {
					return nil, err
				}
				p.Show = text
			case "priority":
				text, err := r.textUntilEnd(t.Name)
				if err != nil {
					return nil, err
				}
				prio, err := strconv.Atoi(strings.TrimSpace(text))
				if err != nil {
					return nil, &ParseError{Stanza: "presence", Reason: "invalid priority"}
				}
				p.Priority = prio
			case "status":
				// The status element carries the player status block as
				// escaped XML text.
				text, err := r.textUntilEnd(t.Name)
				if err != nil {
					return nil, err
				}
				if strings.TrimSpace(text) != "" {
					var status PresenceStatus
					if err := xml.Unmarshal([]byte(text), &status); err != nil {
						return nil, &ParseError{Stanza: "presence", Reason: "invalid status body"}
					}
					if status.Tier == "" {
						status.Tier = "Unranked"
					}
					if status.GameStatus == "" {
						status.GameStatus = "outOfGame"
					}
					p.Status = &status
				}
			default:
				if err := r.d.Skip(); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == "presence" {
				return p, nil
			}
		}
	}
}

// textUntilEnd gathers character data up to the end tag of the named element.
func (r *StreamReader) textUntilEnd(name xml.Name) (string, error) {
	var b strings.Builder
	for {
		tok, err := r.d.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.EndElement:
			if t.Name.Local == name.Local {
				return b.String(), nil
			}
		case xml.StartElement:
			if err := r.d.Skip(); err != nil {
				return "", err
			}
		}
	}
}

func attrValue(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
