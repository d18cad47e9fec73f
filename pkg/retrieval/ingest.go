package retrieval

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/models"
)

// ingestExtensions are the file types loaded during directory ingestion.
var ingestExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".rst": true,
}

// maxChunkLen bounds the text of a single embedded chunk. Paragraphs are
// packed greedily up to this size; an oversized paragraph stays whole.
const maxChunkLen = 2000

// ResolveWorkspacePath joins a user-supplied relative path onto the
// configured workspace root and verifies, by path components rather than
// string prefix, that the result stays inside the root. "work-evil" must not
// pass for a root of "work".
func ResolveWorkspacePath(root, userPath string) (string, error) {
	if root == "" {
		return "", errkind.New(errkind.KindBadInput, "no workspace root configured")
	}
	if userPath == "" {
		return "", errkind.New(errkind.KindBadInput, "path is required")
	}
	if filepath.IsAbs(userPath) {
		return "", errkind.Newf(errkind.KindBadInput, "path %q must be relative to the workspace root", userPath)
	}

	resolved := filepath.Join(root, userPath)
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errkind.Newf(errkind.KindBadInput, "path %q escapes the workspace root", userPath)
	}
	return resolved, nil
}

// LoadDocuments reads ingestable files from a workspace-relative path. A
// file path loads one file; a directory loads every ingestable file under
// it. Files larger than the chunk limit are split on paragraph boundaries
// into multiple documents. Document IDs are paths relative to the workspace
// root, suffixed "#n" for chunked files.
func LoadDocuments(root, userPath string) ([]models.Document, error) {
	resolved, err := ResolveWorkspacePath(root, userPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.Newf(errkind.KindNotFound, "path %q not found", userPath)
		}
		return nil, errkind.Wrap(errkind.KindStore, err, "stat ingest path")
	}

	if !info.IsDir() {
		return loadFile(root, resolved)
	}

	var docs []models.Document
	walkErr := filepath.WalkDir(resolved, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !ingestExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		loaded, err := loadFile(root, path)
		if err != nil {
			return err
		}
		docs = append(docs, loaded...)
		return nil
	})
	if walkErr != nil {
		return nil, errkind.Wrap(errkind.KindStore, walkErr, "walk ingest directory")
	}
	return docs, nil
}

func loadFile(root, path string) ([]models.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindStore, err, "read document")
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)

	chunks := chunkText(text)
	if len(chunks) == 1 {
		return []models.Document{{
			ID:       rel,
			Text:     chunks[0],
			Metadata: map[string]string{"path": rel},
		}}, nil
	}
	docs := make([]models.Document, 0, len(chunks))
	for i, chunk := range chunks {
		docs = append(docs, models.Document{
			ID:   fmt.Sprintf("%s#%d", rel, i),
			Text: chunk,
			Metadata: map[string]string{
				"path":  rel,
				"chunk": strconv.Itoa(i),
			},
		})
	}
	return docs, nil
}

// chunkText splits text into paragraph-aligned chunks of at most maxChunkLen
// characters. Text within the limit comes back as a single chunk.
func chunkText(text string) []string {
	if len(text) <= maxChunkLen {
		return []string{text}
	}

	var chunks []string
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		if b.Len() > 0 && b.Len()+len(para)+2 > maxChunkLen {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(para)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
