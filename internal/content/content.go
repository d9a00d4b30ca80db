// Package content handles message bodies: a tree of nodes where leaves carry
// text and mention nodes reference users.
package content

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	NodeParagraph = "p"
	NodeMention   = "mention"
	NodeLink      = "link"
	NodeQuote     = "quote"
	NodeCode      = "code"
	NodeBullet    = "bullet"
	NodeNumber    = "number_bullet"
	NodeTodo      = "todo"
)

const maxDepth = 32

type MentionUser struct {
	ID string `json:"id"`
}

type Node struct {
	Type     string       `json:"type,omitempty"`
	Text     string       `json:"text,omitempty"`
	URL      string       `json:"url,omitempty"`
	User     *MentionUser `json:"user,omitempty"`
	Done     *bool        `json:"done,omitempty"`
	Bold     bool         `json:"bold,omitempty"`
	Italic   bool         `json:"italic,omitempty"`
	Children []Node       `json:"children,omitempty"`
}

// Parse decodes and checks a content tree. An empty payload is an empty tree.
func Parse(raw json.RawMessage) ([]Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []Node{}, nil
	}
	var nodes []Node
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("content must be an array of nodes: %w", err)
	}
	if err := check(nodes, 0); err != nil {
		return nil, err
	}
	return nodes, nil
}

func check(nodes []Node, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("content nested deeper than %d", maxDepth)
	}
	for _, n := range nodes {
		if n.Type == NodeMention && (n.User == nil || strings.TrimSpace(n.User.ID) == "") {
			return fmt.Errorf("mention node requires user.id")
		}
		if n.Type == NodeLink && strings.TrimSpace(n.URL) == "" {
			return fmt.Errorf("link node requires url")
		}
		if err := check(n.Children, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Plaintext flattens the tree. Block nodes are separated by newlines.
func Plaintext(nodes []Node) string {
	var b strings.Builder
	writePlain(&b, nodes)
	return strings.TrimSpace(b.String())
}

func writePlain(b *strings.Builder, nodes []Node) {
	for i, n := range nodes {
		if n.Text != "" {
			b.WriteString(n.Text)
		}
		writePlain(b, n.Children)
		if isBlock(n.Type) && i < len(nodes)-1 {
			b.WriteString("\n")
		}
	}
}

func isBlock(nodeType string) bool {
	switch nodeType {
	case NodeParagraph, NodeQuote, NodeCode, NodeBullet, NodeNumber, NodeTodo:
		return true
	}
	return false
}

// Mentions returns the distinct user ids mentioned, in document order.
func Mentions(nodes []Node) []string {
	seen := map[string]bool{}
	var out []string
	var walk func([]Node)
	walk = func(ns []Node) {
		for _, n := range ns {
			if n.Type == NodeMention && n.User != nil && !seen[n.User.ID] {
				seen[n.User.ID] = true
				out = append(out, n.User.ID)
			}
			walk(n.Children)
		}
	}
	walk(nodes)
	return out
}

// Text builds a single-paragraph tree, used for action messages.
func Text(s string) json.RawMessage {
	raw, _ := json.Marshal([]Node{{Type: NodeParagraph, Children: []Node{{Text: s}}}})
	return raw
}
