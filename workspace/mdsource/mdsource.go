// Package mdsource implements edgeagent.WorkspaceSkills by rendering a
// chat's workspace markdown files (skills authored as .md) into plain
// text. Every *.md file under <workspace>/<chatID>/skills/ is rendered
// and concatenated in directory order.
package mdsource

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"

	edgeagent "github.com/edgeagent/runtime"
)

// Loader implements edgeagent.WorkspaceSkills over a directory of
// per-chat skill markdown files.
type Loader struct {
	dir string
}

var _ edgeagent.WorkspaceSkills = (*Loader)(nil)

// New creates a Loader rooted at dir (typically WorkspaceConfig.Path).
func New(dir string) *Loader {
	return &Loader{dir: dir}
}

// LoadSkills renders every *.md file under <dir>/<chatID>/skills/ into
// plain text and concatenates them. Returns "" with no error when the
// chat has no skills directory, since workspace loaders are optional per
// chat.
func (l *Loader) LoadSkills(ctx context.Context, chatID string) (string, error) {
	skillsDir := filepath.Join(l.dir, chatID, "skills")
	entries, err := os.ReadDir(skillsDir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mdsource: read skills dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out strings.Builder
	gm := goldmark.New(goldmark.WithRenderer(renderer.NewRenderer(
		renderer.WithNodeRenderers(util.Prioritized(&plainTextRenderer{}, 1)),
	)))

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(skillsDir, name))
		if err != nil {
			return "", fmt.Errorf("mdsource: read %s: %w", name, err)
		}
		var buf bytes.Buffer
		if err := gm.Convert(data, &buf); err != nil {
			return "", fmt.Errorf("mdsource: render %s: %w", name, err)
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(strings.TrimSpace(buf.String()))
	}
	return out.String(), nil
}

// plainTextRenderer implements goldmark's renderer.NodeRenderer, emitting
// the markdown's text content without any markup -- skill context is fed
// to a model prompt, not rendered for a screen.
type plainTextRenderer struct{}

func (r *plainTextRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindHeading, r.renderBlockBreak)
	reg.Register(ast.KindParagraph, r.renderBlockBreak)
	reg.Register(ast.KindBlockquote, r.renderBlockBreak)
	reg.Register(ast.KindList, r.renderNoop)
	reg.Register(ast.KindListItem, r.renderListItem)
	reg.Register(ast.KindTextBlock, r.renderBlockBreak)
	reg.Register(ast.KindThematicBreak, r.renderThematicBreak)
	reg.Register(ast.KindFencedCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindCodeSpan, r.renderNoop)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
}

func (r *plainTextRenderer) renderNoop(w util.BufWriter, _ []byte, _ ast.Node, _ bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func (r *plainTextRenderer) renderBlockBreak(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *plainTextRenderer) renderThematicBreak(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *plainTextRenderer) renderListItem(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString("- ")
	} else {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *plainTextRenderer) renderCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			_, _ = w.Write(line.Value(source))
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *plainTextRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Text)
	_, _ = w.Write(n.Segment.Value(source))
	if n.SoftLineBreak() || n.HardLineBreak() {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *plainTextRenderer) renderString(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.String)
	_, _ = w.Write(n.Value)
	return ast.WalkContinue, nil
}

func (r *plainTextRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.AutoLink)
		_, _ = w.Write(n.URL(source))
	}
	return ast.WalkContinue, nil
}
