package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/wbpath"
)

var (
	storesMu sync.Mutex
	stores   = map[string]*Store{}
)

// Shared returns the named store, creating it empty on first use.
func Shared(name string) *Store {
	storesMu.Lock()
	defer storesMu.Unlock()
	s, ok := stores[name]
	if !ok {
		s = NewStore()
		stores[name] = s
	}
	return s
}

// Store is a tree of files and folders keyed by their path string.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*node
	seq   int
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		nodes: map[string]*node{wbpath.Root().String(): {folder: true}},
		now:   time.Now,
	}
}

type node struct {
	folder    bool
	revisions []revision
}

type revision struct {
	id       string
	data     []byte
	modified time.Time
}

type entry struct {
	path wbpath.Path
	node *node
}

func (n *node) current() revision {
	if len(n.revisions) == 0 {
		return revision{}
	}
	return n.revisions[len(n.revisions)-1]
}

func (n *node) revision(id string) (revision, bool) {
	for _, r := range n.revisions {
		if r.id == id {
			return r, true
		}
	}
	return revision{}, false
}

func (n *node) write(data []byte, rev revision) {
	rev.data = append([]byte(nil), data...)
	n.revisions = append(n.revisions, rev)
}

// clock stamps a new revision. Callers hold mu.
func (s *Store) clock() revision {
	s.seq++
	return revision{id: fmt.Sprintf("v%d", s.seq), modified: s.now().UTC()}
}

// Put writes a file, creating missing parent folders.
func (s *Store) Put(raw string, data []byte) {
	path := wbpath.MustParse(raw)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(path.Parent())
	n, ok := s.nodes[path.String()]
	if !ok {
		n = &node{}
		s.nodes[path.String()] = n
	}
	n.write(data, s.clock())
}

// Mkdir creates a folder and its missing parents.
func (s *Store) Mkdir(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(wbpath.MustParse(raw))
}

// Get returns the current content of a file.
func (s *Store) Get(raw string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[raw]
	if !ok || n.folder {
		return nil, false
	}
	return n.current().data, true
}

// Has reports whether a file or folder exists at raw.
func (s *Store) Has(raw string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[raw]
	return ok
}

// Used is the total size of current file contents.
func (s *Store) Used() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, nd := range s.nodes {
		if !nd.folder {
			n += int64(len(nd.current().data))
		}
	}
	return n
}

func (s *Store) mkdirAll(path wbpath.Path) {
	for p := path; ; p = p.Parent() {
		if _, ok := s.nodes[p.String()]; ok {
			return
		}
		s.nodes[p.String()] = &node{folder: true}
		if p.IsRoot() {
			return
		}
	}
}

func (s *Store) requireParent(path wbpath.Path) error {
	parent := path.Parent()
	n, ok := s.nodes[parent.String()]
	if !ok || !n.folder {
		return apierr.NotFound("parent folder %s not found", parent)
	}
	return nil
}

// children lists the direct entries of folder sorted by name.
func (s *Store) children(folder wbpath.Path) []entry {
	prefix := folder.String()
	var out []entry
	for key, n := range s.nodes {
		if key == prefix || !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimSuffix(key[len(prefix):], "/")
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, entry{path: folder.Child(rest, n.folder), node: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path.Name() < out[j].path.Name() })
	return out
}

// remove deletes path and, for folders, everything below it.
func (s *Store) remove(path wbpath.Path) {
	key := path.String()
	delete(s.nodes, key)
	if path.IsFolder() {
		for k := range s.nodes {
			if strings.HasPrefix(k, key) {
				delete(s.nodes, k)
			}
		}
	}
}

// copyTree duplicates src, and its subtree for folders, at dst.
func (s *Store) copyTree(src, dst wbpath.Path) {
	srcKey, dstKey := src.String(), dst.String()
	if !src.IsFolder() {
		orig := s.nodes[srcKey]
		s.nodes[dstKey] = &node{}
		s.nodes[dstKey].write(orig.current().data, s.clock())
		return
	}
	copies := map[string]*node{}
	for k, n := range s.nodes {
		if k != srcKey && !strings.HasPrefix(k, srcKey) {
			continue
		}
		nk := dstKey + k[len(srcKey):]
		if n.folder {
			copies[nk] = &node{folder: true}
			continue
		}
		c := &node{}
		c.write(n.current().data, s.clock())
		copies[nk] = c
	}
	for k, n := range copies {
		s.nodes[k] = n
	}
}
