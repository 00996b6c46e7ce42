// Package filter keeps the list of words the bot must never send.
package filter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/qbot-dev/qbot/pkg/logger"
)

type wordFile struct {
	BlockedWords []string `yaml:"blocked_words" json:"blocked_words"`
}

// WordFilter matches text against a blocked-word list loaded from a YAML (or
// JSON) file with a top-level blocked_words key. An empty path keeps the
// list in memory only.
type WordFilter struct {
	path string

	mu      sync.RWMutex
	words   map[string]struct{}
	pattern *regexp.Regexp
}

// NewWordFilter loads path if it exists. A missing file starts an empty
// list.
func NewWordFilter(path string) (*WordFilter, error) {
	f := &WordFilter{path: path, words: make(map[string]struct{})}
	if path == "" {
		return f, nil
	}
	if err := f.Reload(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return f, nil
}

// Contains returns the first blocked word found in text.
func (f *WordFilter) Contains(text string) (string, bool) {
	f.mu.RLock()
	pattern := f.pattern
	f.mu.RUnlock()

	if pattern == nil {
		return "", false
	}
	match := pattern.FindString(text)
	return match, match != ""
}

func (f *WordFilter) Words() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedWords(f.words)
}

// Add blocks word and saves the list. It reports whether the word was new.
func (f *WordFilter) Add(word string) (bool, error) {
	word = strings.TrimSpace(word)
	if word == "" {
		return false, errors.New("blocked word is empty")
	}

	f.mu.Lock()
	if _, ok := f.words[word]; ok {
		f.mu.Unlock()
		return false, nil
	}
	f.words[word] = struct{}{}
	f.compile()
	f.mu.Unlock()

	return true, f.Save()
}

// Remove unblocks word and saves the list. It reports whether the word was
// present.
func (f *WordFilter) Remove(word string) (bool, error) {
	word = strings.TrimSpace(word)

	f.mu.Lock()
	if _, ok := f.words[word]; !ok {
		f.mu.Unlock()
		return false, nil
	}
	delete(f.words, word)
	f.compile()
	f.mu.Unlock()

	return true, f.Save()
}

// Reload rereads the word file.
func (f *WordFilter) Reload() error {
	if f.path == "" {
		return nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read blocked words: %w", err)
	}

	var file wordFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse blocked words %s: %w", f.path, err)
	}

	words := make(map[string]struct{}, len(file.BlockedWords))
	for _, w := range file.BlockedWords {
		if w = strings.TrimSpace(w); w != "" {
			words[w] = struct{}{}
		}
	}

	f.mu.Lock()
	f.words = words
	f.compile()
	f.mu.Unlock()

	logger.InfoCF("filter", "Blocked words loaded", map[string]interface{}{
		"count": len(words),
		"path":  f.path,
	})
	return nil
}

// Save writes the current list back to the word file.
func (f *WordFilter) Save() error {
	if f.path == "" {
		return nil
	}

	data, err := yaml.Marshal(wordFile{BlockedWords: f.Words()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write blocked words: %w", err)
	}
	return nil
}

// compile must be called with mu held for writing. Longer words come first
// so the longest overlapping match wins.
func (f *WordFilter) compile() {
	if len(f.words) == 0 {
		f.pattern = nil
		return
	}
	words := sortedWords(f.words)
	sort.SliceStable(words, func(i, j int) bool { return len(words[i]) > len(words[j]) })

	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	f.pattern = regexp.MustCompile(strings.Join(quoted, "|"))
}

func sortedWords(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
