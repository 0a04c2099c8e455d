package engine

import (
	"os"
	"sync"
)

// inflight holds placeholder temp files that exist on disk but have not been
// renamed into place yet. Shutdown removes whatever is left.
var inflight tmpSet

type tmpSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func (s *tmpSet) add(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paths == nil {
		s.paths = make(map[string]struct{})
	}
	s.paths[path] = struct{}{}
}

func (s *tmpSet) remove(path string) {
	s.mu.Lock()
	delete(s.paths, path)
	s.mu.Unlock()
}

func (s *tmpSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

// drain empties the set and returns what it held.
func (s *tmpSet) drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	s.paths = nil
	return out
}

// CleanupTmpFiles deletes placeholder temp files left by an interrupted
// write and returns how many were removed.
func CleanupTmpFiles() int {
	n := 0
	for _, p := range inflight.drain() {
		if err := os.Remove(p); err == nil {
			n++
		}
	}
	return n
}
