// Package pdfsource implements edgeagent.WorkspaceMemory by extracting
// plain text from a PDF file under the workspace path, one file per chat
// at <workspace>/<chatID>.pdf.
package pdfsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	edgeagent "github.com/edgeagent/runtime"
)

// Loader implements edgeagent.WorkspaceMemory over a directory of
// per-chat PDF files.
type Loader struct {
	dir string
}

var _ edgeagent.WorkspaceMemory = (*Loader)(nil)

// New creates a Loader rooted at dir (typically WorkspaceConfig.Path).
func New(dir string) *Loader {
	return &Loader{dir: dir}
}

// LoadMemory extracts plain text from <dir>/<chatID>.pdf. Returns "" with
// no error when the chat has no PDF file, since workspace loaders are
// optional per chat.
func (l *Loader) LoadMemory(ctx context.Context, chatID string) (string, error) {
	path := filepath.Join(l.dir, chatID+".pdf")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("pdfsource: stat %s: %w", path, err)
	}

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("pdfsource: open %s: %w", path, err)
	}
	defer f.Close()

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}
