package centroids

import (
	"slices"

	"speaker-id/internal/embeddings"
)

// Entry is one enrolled speaker and its reference embedding.
type Entry struct {
	Name   string
	Vector embeddings.Vector
}

// Snapshot is an immutable view of the centroid database. Entries keep the
// order in which they appear in the persisted file; enrollments of new names
// are appended. Mutating operations return a new Snapshot.
type Snapshot struct {
	entries []Entry
	index   map[string]int
}

// Empty returns a snapshot with no speakers.
func Empty() *Snapshot {
	return &Snapshot{index: map[string]int{}}
}

// NewSnapshot builds a snapshot from entries. A repeated name keeps its first
// position and the last vector, which is how a JSON object with duplicate keys
// is read.
func NewSnapshot(entries []Entry) *Snapshot {
	s := &Snapshot{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if i, ok := s.index[e.Name]; ok {
			s.entries[i].Vector = e.Vector
			continue
		}
		s.index[e.Name] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return s
}

// Len returns the number of speakers.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Entries returns the speakers in file order. The slice is a copy; vectors
// are shared and must not be modified.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return nil
	}
	return slices.Clone(s.entries)
}

// Get returns the vector enrolled for name.
func (s *Snapshot) Get(name string) (embeddings.Vector, bool) {
	if s == nil {
		return nil, false
	}
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.entries[i].Vector, true
}

// Names lists speaker names, in file order or alphabetically.
func (s *Snapshot) Names(sorted bool) []string {
	names := make([]string, 0, s.Len())
	for _, e := range s.Entries() {
		names = append(names, e.Name)
	}
	if sorted {
		slices.Sort(names)
	}
	return names
}

// With returns a copy of s where name maps to vec. An existing entry is
// replaced in place; a new name is appended.
func (s *Snapshot) With(name string, vec embeddings.Vector) *Snapshot {
	entries := s.Entries()
	if i, ok := s.lookup(name); ok {
		entries[i] = Entry{Name: name, Vector: vec}
	} else {
		entries = append(entries, Entry{Name: name, Vector: vec})
	}
	return NewSnapshot(entries)
}

// Without returns a copy of s without name. The second result reports
// whether name was present; when it was not, s itself is returned.
func (s *Snapshot) Without(name string) (*Snapshot, bool) {
	i, ok := s.lookup(name)
	if !ok {
		return s, false
	}
	entries := s.Entries()
	entries = slices.Delete(entries, i, i+1)
	return NewSnapshot(entries), true
}

func (s *Snapshot) lookup(name string) (int, bool) {
	if s == nil {
		return 0, false
	}
	i, ok := s.index[name]
	return i, ok
}
