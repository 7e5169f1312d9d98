package gather

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"halong/internal/store"
)

const progressFile = "session.yaml"

// sessionState is the on-disk ingest progress for one session.
type sessionState struct {
	Session   string   `yaml:"session"`
	Completed bool     `yaml:"completed"`
	Empty     []string `yaml:"empty,omitempty"`
}

// sessionProgress remembers, for the session being ingested, which symbols
// the source had nothing for and whether a clean pass finished. State for an
// older session is discarded on open.
type sessionProgress struct {
	mu    sync.Mutex
	path  string
	state sessionState
	empty map[string]struct{}
}

func openProgress(dir, session string) (*sessionProgress, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress dir: %w", err)
	}
	p := &sessionProgress{
		path:  filepath.Join(dir, progressFile),
		state: sessionState{Session: session},
		empty: make(map[string]struct{}),
	}

	data, err := os.ReadFile(p.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return p, nil
	case err != nil:
		return nil, err
	}
	var prev sessionState
	if err := yaml.Unmarshal(data, &prev); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p.path, err)
	}
	if prev.Session != session {
		return p, nil
	}
	p.state = prev
	for _, sym := range prev.Empty {
		p.empty[sym] = struct{}{}
	}
	return p, nil
}

// Completed reports whether a clean pass already finished this session.
func (p *sessionProgress) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Completed
}

// IsEmpty reports whether the source had no bars for sym this session.
func (p *sessionProgress) IsEmpty(sym string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.empty[sym]
	return ok
}

// MarkEmpty records symbols with no new bars and saves the state.
func (p *sessionProgress) MarkEmpty(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	added := false
	for _, sym := range symbols {
		if _, ok := p.empty[sym]; ok {
			continue
		}
		p.empty[sym] = struct{}{}
		p.state.Empty = append(p.state.Empty, sym)
		added = true
	}
	if !added {
		return nil
	}
	slices.Sort(p.state.Empty)
	return p.save()
}

// MarkCompleted closes the session.
func (p *sessionProgress) MarkCompleted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Completed = true
	return p.save()
}

func (p *sessionProgress) save() error {
	data, err := yaml.Marshal(p.state)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p.path), progressFile+store.TempMarker+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, p.path)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
