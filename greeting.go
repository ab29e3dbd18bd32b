package beep

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Profile describes one profile a peer advertised in its greeting, or one
// a listener advertises locally.
type Profile struct {
	URI      string `xml:"uri,attr"`
	Encoding string `xml:"encoding,attr"` // "", "none", or "base64"
}

// greetingXML mirrors the channel-management greeting element: <greeting
// features="…" localize="…"><profile uri="…"/>…</greeting>. encoding/xml
// is the teacher-and-pack way to decode a small, fixed schema like this
// (see DESIGN.md — grounded on mellium-xmpp's session negotiation, which
// decodes its own stream-feature elements the same way).
type greetingXML struct {
	XMLName  xml.Name  `xml:"greeting"`
	Features string    `xml:"features,attr"`
	Localize string    `xml:"localize,attr"`
	Profiles []Profile `xml:"profile"`
}

// GreetingsCacheEntry is one distinct observed greeting payload, shared
// by-reference across every session that receives byte-identical
// greetings XML. Entries are immutable once inserted (invariant 7).
type GreetingsCacheEntry struct {
	Features string
	Localize string
	Profiles []string // profile URIs, in document order
}

// greetingsCache deduplicates greeting payloads by their raw XML bytes,
// for the lifetime of a Context.
type greetingsCache struct {
	mu      sync.Mutex
	entries map[string]*GreetingsCacheEntry
}

func newGreetingsCache() *greetingsCache {
	return &greetingsCache{entries: make(map[string]*GreetingsCacheEntry)}
}

// parseAndCache implements §4.3: look up by raw payload text, validate and
// decode on miss, insert, and return a borrowed reference either way.
func (c *greetingsCache) parseAndCache(raw []byte) (*GreetingsCacheEntry, error) {
	key := string(raw)

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	if err := validateGreetingDTD(raw); err != nil {
		return nil, newStatusErr(StatusXMLValidationError, err.Error())
	}

	var g greetingXML
	if err := xml.Unmarshal(raw, &g); err != nil {
		return nil, newStatusErr(StatusXMLValidationError, "malformed greetings xml: "+err.Error())
	}

	entry := &GreetingsCacheEntry{Features: g.Features, Localize: g.Localize}
	for _, p := range g.Profiles {
		entry.Profiles = append(entry.Profiles, p.URI)
	}

	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.entries[key] = entry
	c.mu.Unlock()
	return entry, nil
}

// validateGreetingDTD performs the structural validation named in §4.3
// step 2. A general-purpose DTD engine is out of scope (spec.md §1: "DTD
// content itself is out of scope, lives in a sibling component"); this
// checks the subset of the channel-management schema the core needs to
// trust before decoding: a single <greeting> root whose only children are
// <profile> (requiring a uri attribute and a well-formed encoding
// attribute), <start>, <close>, <ok>, or <error>.
func validateGreetingDTD(raw []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("xml parse error: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !sawRoot {
			if start.Name.Local != "greeting" {
				return fmt.Errorf("root element is %q, want greeting", start.Name.Local)
			}
			sawRoot = true
			continue
		}
		switch start.Name.Local {
		case "profile":
			var uri, enc string
			for _, a := range start.Attr {
				switch a.Name.Local {
				case "uri":
					uri = a.Value
				case "encoding":
					enc = a.Value
				}
			}
			if uri == "" {
				return fmt.Errorf("profile element missing uri attribute")
			}
			if enc != "" && enc != "none" && enc != "base64" {
				return fmt.Errorf("profile encoding attribute %q invalid", enc)
			}
		case "start", "close", "ok", "error":
			// recognized channel-management elements; content validated by
			// the neighbouring channel-management component, not here.
		default:
			return fmt.Errorf("unrecognized element %q in greeting", start.Name.Local)
		}
	}
	if !sawRoot {
		return fmt.Errorf("empty document")
	}
	return nil
}

// BuildGreeting renders a local greeting XML document advertising the
// given profile URIs verbatim. It has no session to consult, so it does
// not itself apply profile masks (§4.5) — callers building a session's
// outbound greeting filter profiles first, e.g. via
// Session.filterLocalProfiles.
func BuildGreeting(features, localize string, profiles []string) []byte {
	g := greetingXML{Features: features, Localize: localize}
	for _, p := range profiles {
		g.Profiles = append(g.Profiles, Profile{URI: p})
	}
	out, err := xml.Marshal(g)
	if err != nil {
		// Profile URIs are plain strings; Marshal only fails on cyclic or
		// unsupported types, neither of which applies here.
		panic(fmt.Sprintf("beep: unexpected greeting marshal failure: %v", err))
	}
	return out
}
