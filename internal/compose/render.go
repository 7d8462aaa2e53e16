package compose

import (
	"fmt"
	"strings"

	"github.com/engram-dev/engram/internal/tree"
	"github.com/engram-dev/engram/internal/types"
)

// render produces the deterministic text document described in spec.md
// §4.K/§6: stable section headers, every memory/file reference annotated
// with its source id. Anchor and Focus are written in full with no budget
// check of their own; once their text plus the section headers is
// written, whatever budget remains goes to Horizon, truncated
// depth-first/breadth-last (spec.md §4.K) by
// simply stopping the depth-first skeleton walk once the budget is hit -
// a pre-order DFS already exhausts one branch's depth before touching
// the next sibling's breadth, so truncating mid-walk naturally drops
// not-yet-visited siblings first. The finished document is then cut
// to maxBytes, so when Anchor and Focus alone exceed the budget they are
// truncated too.
func render(view types.ContextView, t *tree.Tree, maxBytes int) (string, []types.NodeId, bool) {
	var b strings.Builder
	var nodeIDs []types.NodeId

	renderAnchor(&b, view.Anchor)
	renderFocus(&b, t, view.Focus, &nodeIDs)

	b.WriteString("\n## Horizon\n")
	remaining := maxBytes - b.Len()
	truncated := false
	if remaining > 0 {
		var horizonIDs []types.NodeId
		text, full := renderHorizonSkeleton(t, view.Horizon.Skeleton, remaining, &horizonIDs)
		b.WriteString(text)
		nodeIDs = append(nodeIDs, horizonIDs...)
		truncated = !full
	} else {
		truncated = true
	}

	if len(view.Horizon.HotNodes) > 0 && b.Len() < maxBytes {
		b.WriteString("\n### Hot Nodes\n")
		for _, id := range view.Horizon.HotNodes {
			line := hotNodeLine(t, id)
			if b.Len()+len(line) > maxBytes {
				truncated = true
				break
			}
			b.WriteString(line)
			nodeIDs = append(nodeIDs, id)
		}
	}

	out := b.String()
	if len(out) > maxBytes {
		out = out[:maxBytes]
		truncated = true
	}
	return out, nodeIDs, truncated
}

func renderAnchor(b *strings.Builder, a types.Anchor) {
	b.WriteString("## Anchor\n")
	if len(a.Rules) > 0 {
		b.WriteString("### Rules\n")
		for _, line := range a.Rules {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if len(a.RecentMemories) > 0 {
		b.WriteString("### Recent Memories\n")
		for _, m := range a.RecentMemories {
			fmt.Fprintf(b, "- [mem:%s] %s: %s\n", m.ID, m.Kind, firstLine(m.Content))
		}
	}
	if len(a.Constraints) > 0 {
		b.WriteString("### Constraints\n")
		for _, c := range a.Constraints {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
}

func renderFocus(b *strings.Builder, t *tree.Tree, f types.Focus, nodeIDs *[]types.NodeId) {
	b.WriteString("\n## Focus Area\n")
	if len(f.Primary) > 0 {
		b.WriteString("### Primary\n")
		for _, id := range f.Primary {
			b.WriteString(nodeLine(t, id))
			*nodeIDs = append(*nodeIDs, id)
		}
	}
	if len(f.AutoLoaded) > 0 {
		b.WriteString("### Auto-loaded\n")
		for _, id := range f.AutoLoaded {
			b.WriteString(nodeLine(t, id))
			*nodeIDs = append(*nodeIDs, id)
		}
	}
	if len(f.Expanded) > 0 {
		b.WriteString("### Expanded\n")
		for _, id := range f.Expanded {
			b.WriteString(nodeLine(t, id))
			*nodeIDs = append(*nodeIDs, id)
		}
	}
}

func nodeLine(t *tree.Tree, id types.NodeId) string {
	n, ok := t.Get(id)
	if !ok {
		return fmt.Sprintf("- [node:%d] (deleted)\n", id)
	}
	switch n.Kind {
	case types.NodeFile:
		return fmt.Sprintf("- [node:%d] %s\n", id, n.RelPath)
	case types.NodeSymbol:
		return fmt.Sprintf("- [node:%d] %s %s\n", id, n.SymbolKind, n.Name)
	default:
		return fmt.Sprintf("- [node:%d] %s\n", id, n.Name)
	}
}

func hotNodeLine(t *tree.Tree, id types.NodeId) string {
	n, ok := t.Get(id)
	if !ok {
		return fmt.Sprintf("- [node:%d] (deleted)\n", id)
	}
	return fmt.Sprintf("- [node:%d] %s\n", id, n.RelPath)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// renderHorizonSkeleton walks the skeleton depth-first, pre-order,
// writing each directory/file/symbol line until budget is exhausted.
// Returns whether the entire tree was rendered (false means truncated).
func renderHorizonSkeleton(t *tree.Tree, root types.SkeletonNode, budget int, nodeIDs *[]types.NodeId) (string, bool) {
	var b strings.Builder
	full := true

	var walk func(n types.SkeletonNode, depth int) bool
	walk = func(n types.SkeletonNode, depth int) bool {
		indent := strings.Repeat("  ", depth)
		kind := "dir"
		if !n.IsDir {
			kind = "file"
		}
		line := fmt.Sprintf("%s- [%s] %s\n", indent, kind, n.Name)
		if b.Len()+len(line) > budget {
			return false
		}
		b.WriteString(line)

		for _, sym := range n.Symbols {
			symLine := fmt.Sprintf("%s  - %s\n", indent, sym)
			if b.Len()+len(symLine) > budget {
				return false
			}
			b.WriteString(symLine)
		}

		for _, c := range n.Children {
			if !walk(c, depth+1) {
				return false
			}
		}
		return true
	}

	if !walk(root, 0) {
		full = false
	}
	return b.String(), full
}
