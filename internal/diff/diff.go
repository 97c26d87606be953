// Package diff renders unified previews of proposed file changes. Approval
// checkpoints attach these previews so the human sees exactly what a change
// set would do to the workspace before allowing it.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxPreviewBytes caps the content a preview will diff. Previews travel
// inside HITL request bodies, so oversized files get a stub instead.
const maxPreviewBytes = 1 << 20

// Preview is a rendered change for one file.
type Preview struct {
	Unified string `json:"unified"`
	Added   int    `json:"added_lines"`
	Deleted int    `json:"deleted_lines"`
	Binary  bool   `json:"binary"`
}

// Renderer produces unified diffs, optionally ANSI-colored for terminal
// display. The zero value renders plain text.
type Renderer struct {
	colored bool
}

func NewRenderer(colored bool) *Renderer {
	return &Renderer{colored: colored}
}

// Unified diffs oldContent against newContent and renders the result in
// unified format with a/ and b/ file headers. Identical contents yield an
// empty preview.
func (r *Renderer) Unified(oldContent, newContent, path string) Preview {
	if oldContent == newContent {
		return Preview{}
	}
	if looksBinary(oldContent) || looksBinary(newContent) {
		return Preview{
			Unified: fmt.Sprintf("Binary file %s differs\n", path),
			Binary:  true,
		}
	}
	if len(oldContent) > maxPreviewBytes || len(newContent) > maxPreviewBytes {
		return Preview{
			Unified: fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ file too large for preview @@\n", path, path),
		}
	}

	// Line-mode diff: map lines to runes, diff the rune strings, then map
	// back so hunks align on line boundaries.
	dmp := diffmatchpatch.New()
	oldRunes, newRunes, lineIndex := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(oldRunes, newRunes, false), lineIndex)

	var body strings.Builder
	added, deleted := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			n := r.writeLines(&body, "+", d.Text, color.FgGreen)
			added += n
		case diffmatchpatch.DiffDelete:
			n := r.writeLines(&body, "-", d.Text, color.FgRed)
			deleted += n
		default:
			r.writeLines(&body, " ", d.Text, 0)
		}
	}

	oldTotal := lineCount(oldContent)
	newTotal := lineCount(newContent)
	var out strings.Builder
	out.WriteString(r.paint("--- a/"+path+"\n", color.FgRed))
	out.WriteString(r.paint("+++ b/"+path+"\n", color.FgGreen))
	out.WriteString(r.paint(fmt.Sprintf("@@ -1,%d +1,%d @@\n", oldTotal, newTotal), color.FgCyan))
	out.WriteString(body.String())

	return Preview{Unified: out.String(), Added: added, Deleted: deleted}
}

// writeLines emits one prefixed, optionally painted line per line of text
// and returns how many lines it wrote.
func (r *Renderer) writeLines(b *strings.Builder, prefix, text string, attr color.Attribute) int {
	if text == "" {
		return 0
	}
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	for _, line := range lines {
		b.WriteString(r.paint(prefix+line+"\n", attr))
	}
	return len(lines)
}

func (r *Renderer) paint(text string, attr color.Attribute) string {
	if !r.colored || attr == 0 {
		return text
	}
	c := color.New(attr)
	c.EnableColor() // explicit opt-in wins over TTY detection
	return c.Sprint(text)
}

// Summary is a one-line human description of the change, suitable for
// checkpoint titles and log lines.
func (p Preview) Summary() string {
	if p.Binary {
		return "binary file changed"
	}
	if p.Added == 0 && p.Deleted == 0 {
		return "no changes"
	}
	var parts []string
	if p.Added > 0 {
		parts = append(parts, fmt.Sprintf("+%d", p.Added))
	}
	if p.Deleted > 0 {
		parts = append(parts, fmt.Sprintf("-%d", p.Deleted))
	}
	return strings.Join(parts, " ") + " lines"
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// looksBinary reports whether content contains a NUL in its first 8KiB,
// the same heuristic git uses.
func looksBinary(content string) bool {
	head := content
	if len(head) > 8192 {
		head = head[:8192]
	}
	return strings.ContainsRune(head, 0)
}
