// Package mdindex maintains the human-readable append-only index: every
// navigation tree serialised as a bullet under the host document's
// "## Webpages" heading. Rewrites for an unchanged tree head replace the
// entry in place; new heads append, so history is additive.
package mdindex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkmd/internal/logging"
	"pkmd/internal/tree"
)

const (
	webpagesHeading = "## Webpages"
	defaultHostDoc  = "# Knowledge Base"
	timestampLayout = "2006-01-02 15:04"
)

// Index is the single-writer markdown index. Only the queue consumer calls
// Upsert, so no locking is needed beyond atomic file replacement.
type Index struct {
	path   string
	logger logging.Logger
}

// New constructs an index at path.
func New(path string, logger logging.Logger) *Index {
	return &Index{path: path, logger: logging.OrNop(logger)}
}

// Path returns the index file path.
func (x *Index) Path() string {
	return x.path
}

// Upsert serialises the tree and merges it into the Webpages section. The
// existing entry is replaced iff its head line carries the same url and the
// same load timestamp; otherwise the new entry is appended.
func (x *Index) Upsert(t *tree.Tree) error {
	if t == nil || t.Head == nil {
		return nil
	}

	doc, err := x.read()
	if err != nil {
		return err
	}

	entry := renderTree(t)
	headLine := entry[0]

	entries := doc.webpages
	replaced := false
	for i, existing := range entries {
		if matchesHead(existing[0], headLine) {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	if replaced {
		x.logger.Debug("Index: replaced entry for head %s", headKey(headLine))
	} else {
		x.logger.Debug("Index: appended entry for head %s", headKey(headLine))
	}

	doc.webpages = entries
	return x.write(doc)
}

// matchesHead applies the head-match rule: same url and same timestamp.
// Both are embedded in the rendered first line, so equality suffices once
// the title (which analysis may have changed) is stripped.
func matchesHead(existingLine, newLine string) bool {
	return headKey(existingLine) == headKey(newLine)
}

// headKey extracts "(url) [timestamp]" from a head bullet line.
func headKey(line string) string {
	idx := strings.Index(line, "](")
	if idx < 0 {
		return line
	}
	return line[idx+1:]
}

type document struct {
	preamble []string   // lines before the Webpages heading
	webpages [][]string // entries, each a slice of lines
	trailer  []string   // any later sections
}

func (x *Index) read() (*document, error) {
	raw, err := os.ReadFile(x.path)
	if os.IsNotExist(err) {
		return &document{preamble: []string{defaultHostDoc, ""}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	doc := &document{}

	headingAt := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == webpagesHeading {
			headingAt = i
			break
		}
	}
	if headingAt < 0 {
		doc.preamble = lines
		if len(doc.preamble) == 0 {
			doc.preamble = []string{defaultHostDoc, ""}
		}
		return doc, nil
	}

	doc.preamble = lines[:headingAt]
	rest := lines[headingAt+1:]

	sectionEnd := len(rest)
	for i, line := range rest {
		if strings.HasPrefix(line, "## ") || strings.HasPrefix(line, "# ") {
			sectionEnd = i
			break
		}
	}
	doc.webpages = parseEntryLines(rest[:sectionEnd])
	doc.trailer = rest[sectionEnd:]
	return doc, nil
}

// parseEntryLines groups section lines into entries: a top-level bullet and
// its indented children.
func parseEntryLines(lines []string) [][]string {
	var entries [][]string
	var current []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "- ") {
			if current != nil {
				entries = append(entries, current)
			}
			current = []string{line}
			continue
		}
		if current != nil {
			current = append(current, line)
		}
	}
	if current != nil {
		entries = append(entries, current)
	}
	return entries
}

// write reassembles the document and saves it atomically. Exactly one blank
// line separates the heading from the first entry; the file ends with a
// trailing newline.
func (x *Index) write(doc *document) error {
	var b strings.Builder

	for _, line := range doc.preamble {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(doc.preamble) > 0 && strings.TrimSpace(doc.preamble[len(doc.preamble)-1]) != "" {
		b.WriteString("\n")
	}
	b.WriteString(webpagesHeading)
	b.WriteString("\n\n")
	for i, entry := range doc.webpages {
		if i > 0 {
			b.WriteString("\n")
		}
		for _, line := range entry {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if len(doc.trailer) > 0 {
		b.WriteString("\n")
		for _, line := range doc.trailer {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	if err := os.MkdirAll(filepath.Dir(x.path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	tmp := x.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write index temp file: %w", err)
	}
	if err := os.Rename(tmp, x.path); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

// renderTree serialises one tree. The head node becomes the top-level
// bullet; every node carries Summary, optional Referrer, and optional
// Intentions child bullets; descendants nest two spaces deeper.
func renderTree(t *tree.Tree) []string {
	var lines []string
	t.Walk(func(n *tree.Node, depth int) {
		indent := strings.Repeat("  ", depth)
		v := n.Member.Visit

		title := v.URL
		if n.Member.Analysis != nil && n.Member.Analysis.Title != "" {
			title = n.Member.Analysis.Title
		}
		lines = append(lines, fmt.Sprintf("%s- [%s](%s) [%s]",
			indent, title, v.URL, v.PageLoadedAt.UTC().Format(timestampLayout)))

		childIndent := indent + "  "
		if n.Member.Analysis != nil && n.Member.Analysis.Summary != "" {
			lines = append(lines, fmt.Sprintf("%s- Summary: %s", childIndent, n.Member.Analysis.Summary))
		}
		if v.Referrer != "" {
			lines = append(lines, fmt.Sprintf("%s- Referrer: %s", childIndent, v.Referrer))
		}
		if len(n.Member.Intentions) > 0 {
			lines = append(lines, fmt.Sprintf("%s- Intentions: %s", childIndent, strings.Join(n.Member.Intentions, "; ")))
		}
	})
	return lines
}
