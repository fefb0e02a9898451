package retriever

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed corpus/*.md
var defaultFS embed.FS

// DefaultDocuments returns the built-in deployment guidance corpus.
func DefaultDocuments() ([]Document, error) {
	names, err := fs.Glob(defaultFS, "corpus/*.md")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var docs []Document
	for _, name := range names {
		data, err := defaultFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		parsed, err := ParseDocument(name[len("corpus/"):], data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		docs = append(docs, parsed...)
	}
	return docs, nil
}
