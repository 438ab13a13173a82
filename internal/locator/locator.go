// Package locator computes structural addresses for elements of a rendered
// document and resolves them back to elements.
//
// A locator is a CSS selector built from tag names, class sets and, where
// siblings would otherwise be ambiguous, positional indexes. It does not
// depend on pixel positions, so it survives reflow and viewport changes.
package locator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

var (
	// ErrDetached is returned for nodes that are not part of a document.
	ErrDetached = errors.New("element is not attached to a document")

	// ErrNotElement is returned when the node is not an element.
	ErrNotElement = errors.New("node is not an element")

	// ErrUnresolvable is returned when no generated locator resolves back to
	// the element.
	ErrUnresolvable = errors.New("locator does not resolve to the element")

	// ErrNoMatch is returned by Resolve when the locator matches nothing.
	ErrNoMatch = errors.New("locator matches no element")
)

const combinator = " > "

// Generate returns a locator for el that Resolve maps back to el.
func Generate(el *html.Node) (string, error) {
	if el == nil || el.Type != html.ElementNode {
		return "", ErrNotElement
	}
	doc := documentOf(el)
	if doc == nil {
		return "", ErrDetached
	}

	if id := attr(el, "id"); id != "" {
		sel := "#" + escapeIdent(id)
		if matches, err := queryAll(doc, sel); err == nil && len(matches) == 1 && matches[0] == el {
			return sel, nil
		}
	}

	loc := buildPath(el, typeSegment)
	if resolvesTo(doc, loc, el) {
		return loc, nil
	}

	loc = buildPath(el, childSegment)
	if resolvesTo(doc, loc, el) {
		return loc, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnresolvable, loc)
}

// Resolve returns the first element of doc, in document order, matched by
// the locator.
func Resolve(doc *html.Node, locator string) (*html.Node, error) {
	sel, err := cascadia.Compile(locator)
	if err != nil {
		return nil, fmt.Errorf("invalid locator %q: %w", locator, err)
	}
	n := cascadia.Query(doc, sel)
	if n == nil {
		return nil, ErrNoMatch
	}
	return n, nil
}

// Validate reports whether locator is a well-formed selector.
func Validate(locator string) error {
	if strings.TrimSpace(locator) == "" {
		return errors.New("locator is empty")
	}
	if _, err := cascadia.Compile(locator); err != nil {
		return fmt.Errorf("invalid locator: %w", err)
	}
	return nil
}

type segmentFunc func(n *html.Node) string

// buildPath walks from el up to, but excluding, the root element.
func buildPath(el *html.Node, segment segmentFunc) string {
	var parts []string
	for n := el; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Parent != nil && n.Parent.Type == html.DocumentNode && n != el {
			break
		}
		parts = append(parts, segment(n))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, combinator)
}

// typeSegment emits tag.classes and adds :nth-of-type only when another
// sibling shares both the tag and the exact class set.
func typeSegment(n *html.Node) string {
	base := tagWithClasses(n)
	if n.Parent == nil {
		return base
	}

	key := classKey(n)
	twins, index, position := 0, 0, 0
	for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
		if s.Type != html.ElementNode || s.Data != n.Data {
			continue
		}
		index++
		if s == n {
			position = index
		}
		if classKey(s) == key {
			twins++
		}
	}
	if twins > 1 {
		return fmt.Sprintf("%s:nth-of-type(%d)", base, position)
	}
	return base
}

// childSegment pins the element to its position among all element siblings.
func childSegment(n *html.Node) string {
	base := tagWithClasses(n)
	if n.Parent == nil || n.Parent.Type == html.DocumentNode {
		return base
	}
	index := 0
	for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			index++
		}
		if s == n {
			break
		}
	}
	return fmt.Sprintf("%s:nth-child(%d)", base, index)
}

func tagWithClasses(n *html.Node) string {
	var b strings.Builder
	b.WriteString(escapeIdent(n.Data))
	for _, c := range classes(n) {
		b.WriteByte('.')
		b.WriteString(escapeIdent(c))
	}
	return b.String()
}

// classes returns the element's distinct classes in attribute order.
func classes(n *html.Node) []string {
	fields := strings.Fields(attr(n, "class"))
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// classKey is an order-independent fingerprint of the class set.
func classKey(n *html.Node) string {
	cs := classes(n)
	sort.Strings(cs)
	return strings.Join(cs, " ")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val
		}
	}
	return ""
}

func documentOf(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	if n.Type != html.DocumentNode {
		return nil
	}
	return n
}

func queryAll(doc *html.Node, locator string) ([]*html.Node, error) {
	sel, err := cascadia.Compile(locator)
	if err != nil {
		return nil, err
	}
	return cascadia.QueryAll(doc, sel), nil
}

func resolvesTo(doc *html.Node, locator string, el *html.Node) bool {
	n, err := Resolve(doc, locator)
	return err == nil && n == el
}
