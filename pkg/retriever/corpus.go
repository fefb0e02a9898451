package retriever

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	// MaxChunkSize is the paragraph-packing limit for one indexed chunk.
	MaxChunkSize = 1000

	// ChunkOverlap is how much of the previous chunk starts the next one.
	ChunkOverlap = 200

	reloadDelay = 500 * time.Millisecond
)

// Document is one indexed passage.
type Document struct {
	Title    string            `yaml:"title"`
	Content  string            `yaml:"-"`
	URL      string            `yaml:"url"`
	Metadata map[string]string `yaml:"metadata"`
}

// DocType returns the document's doc_type metadata.
func (d Document) DocType() string {
	return d.Metadata["doc_type"]
}

// Corpus is a concurrency-safe document set.
type Corpus struct {
	mu   sync.RWMutex
	docs []Document
	gen  uint64
}

// NewCorpus creates a corpus holding docs.
func NewCorpus(docs ...Document) *Corpus {
	c := &Corpus{}
	c.docs = append(c.docs, docs...)
	return c
}

// Add appends a document.
func (c *Corpus) Add(doc Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, doc)
	c.gen++
}

// Replace swaps the whole document set.
func (c *Corpus) Replace(docs []Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = docs
	c.gen++
}

// Documents returns a snapshot of the corpus and its generation. The
// generation changes whenever the set does.
func (c *Corpus) Documents() ([]Document, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Document, len(c.docs))
	copy(out, c.docs)
	return out, c.gen
}

// Len returns the number of documents.
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// LoadDir reads every markdown or text file under dir into chunked
// documents, sorted by file name.
func LoadDir(dir string) ([]Document, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isDocumentFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(files)

	var docs []Document
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		parsed, err := ParseDocument(filepath.Base(path), data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		docs = append(docs, parsed...)
	}
	return docs, nil
}

// ParseDocument turns one file into documents. Optional YAML front matter
// between "---" lines sets title, url and metadata. Long bodies are split
// into sections.
func ParseDocument(filename string, data []byte) ([]Document, error) {
	var head Document
	body := data

	if bytes.HasPrefix(data, []byte("---\n")) {
		rest := data[4:]
		end := bytes.Index(rest, []byte("\n---"))
		if end < 0 {
			return nil, fmt.Errorf("unterminated front matter")
		}
		if err := yaml.Unmarshal(rest[:end], &head); err != nil {
			return nil, fmt.Errorf("invalid front matter: %w", err)
		}
		body = bytes.TrimLeft(rest[end+4:], "\r\n")
	}

	content := string(body)
	if head.Title == "" {
		head.Title = titleFrom(filename, content)
	}
	if head.URL == "" {
		head.URL = "file://" + filename
	}
	if head.Metadata == nil {
		head.Metadata = map[string]string{}
	}
	if head.Metadata["doc_type"] == "" {
		head.Metadata["doc_type"] = docTypeFromName(filename)
	}

	chunks := Chunk(content, MaxChunkSize, ChunkOverlap)
	docs := make([]Document, 0, len(chunks))
	for i, chunk := range chunks {
		doc := Document{
			Title:    head.Title,
			Content:  chunk,
			URL:      head.URL,
			Metadata: head.Metadata,
		}
		if len(chunks) > 1 {
			doc.Title = fmt.Sprintf("%s - Section %d", head.Title, i+1)
			doc.URL = fmt.Sprintf("%s#section-%d", head.URL, i+1)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Chunk packs paragraphs into chunks of at most maxSize characters where
// possible. Each new chunk starts with the last overlap characters of the
// previous one.
func Chunk(content string, maxSize, overlap int) []string {
	var chunks []string
	current := ""

	for _, para := range strings.Split(content, "\n\n") {
		if len(current)+len(para) > maxSize && current != "" {
			chunks = append(chunks, strings.TrimSpace(current))
			if overlap > 0 && len(current) > overlap {
				current = current[len(current)-overlap:] + "\n\n" + para
			} else {
				current = para
			}
			continue
		}
		if current == "" {
			current = para
		} else {
			current += "\n\n" + para
		}
	}

	if strings.TrimSpace(current) != "" {
		chunks = append(chunks, strings.TrimSpace(current))
	}
	return chunks
}

func titleFrom(filename, content string) string {
	firstLine := strings.SplitN(content, "\n", 2)[0]
	if strings.HasPrefix(firstLine, "#") {
		return strings.TrimSpace(strings.Trim(firstLine, "# "))
	}
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	words := strings.Fields(strings.ReplaceAll(stem, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func docTypeFromName(filename string) string {
	lower := strings.ToLower(filename)
	for _, t := range []string{"security", "pricing", "architecture", "deployment"} {
		if strings.Contains(lower, t) {
			return t
		}
	}
	return "policy"
}

func isDocumentFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		return true
	default:
		return false
	}
}

// WatchDir reloads the corpus from dir whenever a document file under it
// changes. Bursts of events are coalesced. Watching stops when ctx is done.
func WatchDir(ctx context.Context, dir string, corpus *Corpus, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logger = logger.With().Str("component", "corpus-watch").Str("dir", dir).Logger()

	go func() {
		var timer *time.Timer
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isDocumentFile(event.Name) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDelay, func() {
					docs, err := LoadDir(dir)
					if err != nil {
						logger.Warn().Err(err).Msg("Keeping previous corpus")
						return
					}
					corpus.Replace(docs)
					logger.Info().Int("documents", len(docs)).Msg("Corpus reloaded")
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("Watcher error")
			}
		}
	}()

	return nil
}
