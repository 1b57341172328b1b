// Package media picks voice files to deliver.
package media

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrEmpty is returned when the directory holds no usable file.
var ErrEmpty = errors.New("media: no voice files")

// DefaultExtensions are the audio formats Telegram accepts for voice notes
// plus common alternatives it will still deliver as audio.
var DefaultExtensions = []string{".ogg", ".oga", ".opus", ".mp3", ".m4a"}

// Library lists a directory on every pick, so files added or removed while
// the bot runs are taken into account.
type Library struct {
	dir  string
	exts []string
	intn func(n int) int
}

// New returns a library over dir. exts filters by extension
// (case-insensitive); nil means DefaultExtensions, empty means any file.
func New(dir string, exts []string) (*Library, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("media: voice directory is empty")
	}
	if exts == nil {
		exts = DefaultExtensions
	}
	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		norm = append(norm, e)
	}
	return &Library{dir: dir, exts: norm, intn: rand.IntN}, nil
}

func (l *Library) Dir() string { return l.dir }

// Files returns the candidate files sorted by name.
func (l *Library) Files() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("media: read %s: %w", l.dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if len(l.exts) > 0 && !slices.Contains(l.exts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		out = append(out, filepath.Join(l.dir, e.Name()))
	}
	return out, nil
}

// Pick returns a uniformly random file.
func (l *Library) Pick() (string, error) {
	files, err := l.Files()
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w in %s", ErrEmpty, l.dir)
	}
	return files[l.intn(len(files))], nil
}
