// Package treefile renders a human-readable listing of the backup contents,
// written as tree.txt next to the checksum manifest.
package treefile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/verigo/verigo/pkg/util"
)

// TreeFileName is the name of the generated listing file.
const TreeFileName = "tree.txt"

type node struct {
	name     string
	children map[string]*node
}

func (n *node) child(name string) *node {
	c, ok := n.children[name]
	if !ok {
		c = &node{name: name, children: make(map[string]*node)}
		n.children[name] = c
	}
	return c
}

// Render builds the box-drawing listing for the given normalized relative
// paths. The root line is the given label; entries appear sorted by name at
// every level.
func Render(label string, relPaths []string) string {
	root := &node{name: label, children: make(map[string]*node)}
	for _, rel := range relPaths {
		if rel == "" || rel == "." {
			continue
		}
		cur := root
		for _, part := range strings.Split(rel, "/") {
			cur = cur.child(part)
		}
	}

	var sb strings.Builder
	sb.WriteString(label)
	sb.WriteByte('\n')
	renderChildren(&sb, root, "")
	return sb.String()
}

func renderChildren(sb *strings.Builder, n *node, prefix string) {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		child := n.children[name]
		connector, childPrefix := "├── ", prefix+"│   "
		if i == len(names)-1 {
			connector, childPrefix = "└── ", prefix+"    "
		}
		sb.WriteString(prefix)
		sb.WriteString(connector)
		sb.WriteString(name)
		sb.WriteByte('\n')
		renderChildren(sb, child, childPrefix)
	}
}

// Write renders the listing and writes it as tree.txt in dirPath.
func Write(dirPath string, label string, relPaths []string) error {
	treePath := filepath.Join(dirPath, TreeFileName)
	if err := os.WriteFile(treePath, []byte(Render(label, relPaths)), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not write tree file %s: %w", treePath, err)
	}
	return nil
}
