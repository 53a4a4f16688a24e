// Package testpack loads test packs from local/testpacks. A test pack is a
// YAML file naming the test cases that apply to a class of device, with the
// required-result classification each case carries for that pack. Devices
// select a pack by name; cases outside the pack are skipped.
package testpack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"testrun/internal/models"
)

// ErrNotFound reports an unknown pack name.
var ErrNotFound = errors.New("test pack not found")

// PackTest is one test-case entry in a pack.
type PackTest struct {
	Name           string `yaml:"name"`
	RequiredResult string `yaml:"required_result,omitempty"`
}

// Pack is a named set of test cases with per-pack classifications.
type Pack struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Tests       []PackTest `yaml:"tests"`

	byName map[string]PackTest
}

// Includes reports whether the pack names a test case.
func (p *Pack) Includes(name string) bool {
	_, ok := p.byName[name]
	return ok
}

// Apply filters declared test cases down to the pack and stamps each kept
// case with the pack's required-result classification. A nil pack keeps
// everything unchanged.
func (p *Pack) Apply(cases []*models.TestCase) []*models.TestCase {
	if p == nil {
		return cases
	}
	kept := make([]*models.TestCase, 0, len(cases))
	for _, tc := range cases {
		entry, ok := p.byName[tc.Name]
		if !ok {
			continue
		}
		if entry.RequiredResult != "" {
			tc.RequiredResult = models.NormalizeRequiredResult(entry.RequiredResult)
		}
		kept = append(kept, tc)
	}
	return kept
}

// Loader reads packs from the testpacks directory.
type Loader struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	packs map[string]*Pack
}

// Load reads every *.yaml pack under dir. A missing directory yields an
// empty loader; a malformed pack fails the load.
func Load(dir string) (*Loader, error) {
	l := &Loader{
		logger: log.With().Str("component", "testpack").Logger(),
		packs:  make(map[string]*Pack),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Warn().Str("dir", dir).Msg("No test packs directory")
			return l, nil
		}
		return nil, fmt.Errorf("failed to read test packs directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read test pack %s: %w", name, err)
		}

		var pack Pack
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("failed to parse test pack %s: %w", name, err)
		}
		if pack.Name == "" {
			pack.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		pack.byName = make(map[string]PackTest, len(pack.Tests))
		for _, test := range pack.Tests {
			pack.byName[test.Name] = test
		}
		l.packs[strings.ToLower(pack.Name)] = &pack
	}

	l.logger.Info().Int("count", len(l.packs)).Msg("Test packs loaded")
	return l, nil
}

// Get resolves a pack by name, case-insensitively. An empty name resolves to
// no pack, which applies no filtering.
func (l *Loader) Get(name string) (*Pack, error) {
	if name == "" {
		return nil, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	pack, ok := l.packs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return pack, nil
}

// List returns the loaded packs ordered by name.
func (l *Loader) List() []*Pack {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Pack, 0, len(l.packs))
	for _, pack := range l.packs {
		out = append(out, pack)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
