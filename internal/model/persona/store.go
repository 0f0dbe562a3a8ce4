package persona

// Store exposes the persona catalogue.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// MemoryStore is a read-only catalogue held in memory.
type MemoryStore struct {
	items []Persona
	byID  map[string]int
}

// NewMemoryStore indexes the supplied personas. Later duplicates are ignored.
func NewMemoryStore(items []Persona) *MemoryStore {
	s := &MemoryStore{byID: make(map[string]int, len(items))}
	for _, p := range items {
		if _, dup := s.byID[p.ID]; dup {
			continue
		}
		s.byID[p.ID] = len(s.items)
		s.items = append(s.items, p)
	}
	return s
}

// List returns the catalogue in definition order.
func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID looks up a persona by identifier.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Persona{}, false
	}
	return s.items[i], true
}
