package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads policies from .rego, .json and .yaml files and caches them
// by path until invalidated.
//
// A .rego file becomes a policy named after the file. Leading comment lines
// form the description, and a "# severity: <level>" line sets the default
// severity. JSON and YAML files hold a full Policy document.
type Loader struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Policy
}

// policyDecoders maps a lower-cased file extension to its document decoder.
var policyDecoders = map[string]func([]byte, interface{}) error{
	".json": json.Unmarshal,
	".yaml": yaml.Unmarshal,
	".yml":  yaml.Unmarshal,
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  map[string]*Policy{},
	}
}

// LoadFromPaths loads every policy below paths, sorted by name within each
// directory. A named file that fails to load is an error; a bad file found
// while walking a directory is logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		found, err := l.walk(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
		out = append(out, found...)
	}
	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

func (l *Loader) walk(ctx context.Context, root string) ([]Policy, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(root)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var found []Policy
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		switch {
		case walkErr != nil:
			return walkErr
		case ctx.Err() != nil:
			return ctx.Err()
		case d.IsDir() || !isPolicyFile(path):
			return nil
		}
		p, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		found = append(found, *p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

func (l *Loader) cached(path string) (*Policy, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.cache[path]
	return p, ok
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	if p, ok := l.cached(path); ok {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := decodePolicy(path, data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()
	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded")
	return p, nil
}

func decodePolicy(path string, data []byte) (*Policy, error) {
	ext := strings.ToLower(filepath.Ext(path))
	var p *Policy
	if ext == ".rego" {
		p = parseRegoFile(path, data)
	} else {
		decode, ok := policyDecoders[ext]
		if !ok {
			return nil, fmt.Errorf("unsupported policy file type %q: %s", ext, path)
		}
		p = &Policy{Enabled: true}
		if err := decode(data, p); err != nil {
			return nil, fmt.Errorf("failed to parse policy %s: %w", path, err)
		}
	}

	switch {
	case p.Name == "":
		return nil, fmt.Errorf("policy in %s has no name", path)
	case p.Rego == "":
		return nil, fmt.Errorf("policy %s has no rego module", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	p.Source = path
	return p, nil
}

// Invalidate drops a cached file so the next load reads it again.
func (l *Loader) Invalidate(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = map[string]*Policy{}
	l.mu.Unlock()
}

func parseRegoFile(path string, data []byte) *Policy {
	description, severity := parseHeader(string(data))
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
	}
}

// parseHeader reads the leading comment block of a Rego module.
func parseHeader(content string) (string, Severity) {
	var description strings.Builder
	var severity Severity

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if value, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(value))
			continue
		}
		if comment == "" {
			continue
		}
		if description.Len() > 0 {
			description.WriteString(" ")
		}
		description.WriteString(comment)
	}

	return description.String(), severity
}

func isPolicyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}
