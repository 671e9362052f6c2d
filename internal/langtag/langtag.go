// Package langtag resolves the language marker embedded in translated turn
// text. The upstream translation engine prefixes each output with the tag of
// its target language ("[LANG:Dutch] Hallo"); the resolver classifies the
// turn as staff- or visitor-directed by comparing that tag against the
// configured staff language, and strips the tag for display.
//
// The tag is only recognised at the very start of the text. Text without a
// leading tag (typically the first streaming partials, which arrive before
// the engine has emitted the marker) defaults to the visitor party.
package langtag

import (
	"regexp"
	"strings"
)

// Party is the presentation-level attribution of a turn's content.
type Party string

const (
	// PartyStaff marks output directed at the staff member.
	PartyStaff Party = "staff"

	// PartyVisitor marks output directed at the visitor. This is also the
	// fallback when no tag is present.
	PartyVisitor Party = "visitor"
)

// Resolution is the result of resolving a turn's language tag.
type Resolution struct {
	// Party identifies whose output this is.
	Party Party

	// DisplayText is the turn text with the language tag stripped. May be
	// empty and may contain newlines.
	DisplayText string
}

// tagPattern matches "[LANG:<name>]" anchored at the start of the text,
// followed by optional whitespace and the remainder. (?s) lets the remainder
// span newlines; <name> is one or more non-"]" characters.
var tagPattern = regexp.MustCompile(`(?s)^\[LANG:([^\]]+)\]\s*(.*)`)

// Resolve classifies text by its leading language tag.
//
// A tag whose name equals staffLanguage (case-insensitive, surrounding
// whitespace ignored) attributes the turn to the staff party; any other tag
// value, and text without a recognised tag, attributes it to the visitor.
// The tag is not validated against a known language list.
func Resolve(text, staffLanguage string) Resolution {
	m := tagPattern.FindStringSubmatch(text)
	if m == nil {
		return Resolution{Party: PartyVisitor, DisplayText: text}
	}

	name := strings.TrimSpace(m[1])
	party := PartyVisitor
	if strings.EqualFold(name, staffLanguage) {
		party = PartyStaff
	}
	return Resolution{Party: party, DisplayText: m[2]}
}
