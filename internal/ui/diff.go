package ui

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/zhubert/nightshift/internal/review"
)

// highlightCode applies syntax highlighting to code using chroma
func highlightCode(code, language string) string {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := styles.Get("monokai")
	if style == nil {
		style = styles.Fallback
	}

	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}

	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}

	return buf.String()
}

// HighlightDiff colors unified diff output.
func HighlightDiff(diff string) string {
	if diff == "" {
		return diff
	}
	return highlightCode(diff, "diff")
}

// RenderChangeSet renders a change set: a header, the changed file list,
// then the committed patch and any uncommitted worktree changes. With color
// false the output is plain text suitable for piping.
func RenderChangeSet(cs *review.ChangeSet, color bool) string {
	var b strings.Builder

	header := fmt.Sprintf("session %s (%s) %s...%s", cs.ID, cs.State, cs.Base, cs.Branch)
	files := fmt.Sprintf("%d file(s) changed", len(cs.Files))
	if color {
		header = DiffHeaderStyle.Render(header)
		files = MutedStyle.Render(files)
	}
	b.WriteString(header + "\n")
	b.WriteString(files + "\n")

	for _, f := range cs.Files {
		st := f.Status
		if color {
			st = FileStatusStyle.Render(st)
		}
		fmt.Fprintf(&b, "  %s\t%s\n", st, f.Path)
	}

	if cs.Empty() {
		b.WriteString("\nno changes\n")
		return b.String()
	}

	if cs.Patch != "" {
		b.WriteString("\n")
		b.WriteString(patch(cs.Patch, color))
	}
	if cs.Uncommitted != "" || len(cs.Untracked) > 0 {
		title := "uncommitted changes in worktree"
		if color {
			title = DiffHeaderStyle.Render(title)
		}
		b.WriteString("\n" + title + "\n")
		if cs.Uncommitted != "" {
			b.WriteString(patch(cs.Uncommitted, color))
		}
		for _, path := range cs.Untracked {
			line := "?? " + path
			if color {
				line = DiffAddedStyle.Render(line)
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func patch(p string, color bool) string {
	if color {
		p = HighlightDiff(p)
	}
	if !strings.HasSuffix(p, "\n") {
		p += "\n"
	}
	return p
}
