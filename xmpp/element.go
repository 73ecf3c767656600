// Copyright (c) Stanza Labs
// SPDX-License-Identifier: Apache-2.0

package xmpp

import (
	"strings"
)

// Attr is a single wire attribute. Attribute order on the wire follows the
// order attributes were added.
type Attr struct {
	Name  string
	Value string
}

// Element is a minimal wire-syntax builder: an ordered attribute list plus an
// ordered child list. It exists so stanza encoding stays separate from
// wire-syntax formatting.
type Element struct {
	Name     string
	Attrs    []Attr
	Children []*Element
	Text     string

	// Unclosed renders only the opening tag. Stream headers stay open for
	// the lifetime of the connection.
	Unclosed bool
}

// NewElement creates an element with the given tag name.
func NewElement(name string) *Element {
	return &Element{Name: name}
}

// Attr appends an attribute and returns the element for chaining.
func (e *Element) Attr(name, value string) *Element {
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
	return e
}

// Child appends a new child element and returns the child.
func (e *Element) Child(name string) *Element {
	c := NewElement(name)
	e.Children = append(e.Children, c)
	return c
}

// SetText sets the element's character data and returns the element.
func (e *Element) SetText(text string) *Element {
	e.Text = text
	return e
}

// String renders the element to wire syntax.
func (e *Element) String() string {
	var b strings.Builder
	e.render(&b)
	return b.String()
}

func (e *Element) render(b *strings.Builder) {
	b.WriteByte('<')
	b.WriteString(e.Name)
	for _, a := range e.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString(`='`)
		b.WriteString(escape(a.Value))
		b.WriteByte('\'')
	}
	if e.Unclosed {
		b.WriteByte('>')
		return
	}
	if len(e.Children) == 0 && e.Text == "" {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	if e.Text != "" {
		b.WriteString(escape(e.Text))
	}
	for _, c := range e.Children {
		c.render(b)
	}
	b.WriteString("</")
	b.WriteString(e.Name)
	b.WriteByte('>')
}

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"'", "&apos;",
	`"`, "&quot;",
)

func escape(s string) string {
	return escaper.Replace(s)
}
