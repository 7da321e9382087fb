package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/altis0725/OKAMI/core"
)

// resolveKnowledgePath joins root and a caller-supplied relative path, then
// rejects the result if it would resolve outside root. Callers in the
// evolution applier treat this error as the trigger for demoting a change
// to a proposal.
func resolveKnowledgePath(root, relPath string) (string, error) {
	relPath = strings.TrimPrefix(filepath.ToSlash(relPath), "knowledge/")
	cleaned := filepath.Clean(filepath.Join(root, relPath))
	rootClean := filepath.Clean(root)
	if cleaned != rootClean && !strings.HasPrefix(cleaned, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("resolve knowledge path %q: %w", relPath, core.ErrOutsideKnowledgeRoot)
	}
	return cleaned, nil
}

// backupFile copies the file at path into root/backups/<timestamp>/<relPath>
// before it is mutated. Returns "" if path does not yet exist: an
// AddKnowledge of a brand-new file has nothing to back up.
func backupFile(knowledgeRoot, backupsRoot, path string) (string, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read file for backup: %w", err)
	}
	relPath, err := filepath.Rel(knowledgeRoot, path)
	if err != nil {
		return "", fmt.Errorf("compute relative backup path: %w", err)
	}
	stamp := backupStamp()
	backupPath := filepath.Join(backupsRoot, stamp, relPath)
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	if err := os.WriteFile(backupPath, content, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

func restoreFromBackup(path, backupPath string) error {
	if backupPath == "" {
		return os.Remove(path)
	}
	content, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("read backup for restore: %w", err)
	}
	return atomicWriteFile(path, content)
}

// atomicWriteFile writes via a temp file and rename so a reader never
// observes a partially-written file.
func atomicWriteFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}

var backupStampOverride string // test hook; production uses the wall clock

func backupStamp() string {
	if backupStampOverride != "" {
		return backupStampOverride
	}
	return time.Now().UTC().Format("20060102_150405.000000000")
}

// --- Markdown section editing ---
//
// A document is a preamble (any text before the first "## " heading)
// followed by an ordered list of sections, each keyed by its heading text.

type section struct {
	Heading string // without "## " prefix; empty for the preamble
	Body    string
}

func parseSections(content string) []section {
	lines := strings.Split(content, "\n")
	sections := []section{{Heading: ""}}
	for _, line := range lines {
		if strings.HasPrefix(line, "## ") {
			sections = append(sections, section{Heading: strings.TrimSpace(strings.TrimPrefix(line, "## "))})
			continue
		}
		last := &sections[len(sections)-1]
		if last.Body != "" {
			last.Body += "\n"
		}
		last.Body += line
	}
	return sections
}

func renderSections(sections []section) string {
	var b strings.Builder
	for _, s := range sections {
		if s.Heading != "" {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n\n") {
				b.WriteString("\n")
			}
			b.WriteString("## " + s.Heading + "\n")
		}
		b.WriteString(strings.TrimRight(s.Body, "\n"))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func findSection(sections []section, heading string) int {
	for i, s := range sections {
		if s.Heading == heading {
			return i
		}
	}
	return -1
}

// applySectionOp mutates content per the UpdateKnowledge operation:
// append/replace/insert against a named section, or the whole file when
// section is empty.
func applySectionOp(content, heading, text, operation string) (string, error) {
	if heading == "" {
		switch operation {
		case "replace":
			return text, nil
		case "append":
			return strings.TrimRight(content, "\n") + "\n" + text + "\n", nil
		case "insert":
			return text + "\n" + content, nil
		default:
			return "", fmt.Errorf("unknown update operation %q", operation)
		}
	}

	sections := parseSections(content)
	idx := findSection(sections, heading)
	if idx < 0 {
		// append/insert create the section; replace against a missing
		// section is equivalent to creating it with the given content.
		sections = append(sections, section{Heading: heading, Body: "\n" + text + "\n"})
		return renderSections(sections), nil
	}

	switch operation {
	case "replace":
		sections[idx].Body = "\n" + text + "\n"
	case "append":
		sections[idx].Body = strings.TrimRight(sections[idx].Body, "\n") + "\n" + text + "\n"
	case "insert":
		sections[idx].Body = "\n" + text + "\n" + strings.TrimLeft(sections[idx].Body, "\n")
	default:
		return "", fmt.Errorf("unknown update operation %q", operation)
	}
	return renderSections(sections), nil
}
