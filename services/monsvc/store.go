package monsvc

import "sync"

// Record is the service's view of one machine.
type Record struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	IP     string `json:"ip,omitempty"`
}

// Store keeps machine records in memory in registration order.
type Store struct {
	mu      sync.RWMutex
	order   []string
	records map[string]Record
}

func NewStore() *Store {
	return &Store{records: make(map[string]Record)}
}

// Create adds rec and reports false when the id is already registered.
func (s *Store) Create(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return false
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return true
}

// Update sets the status, and the address when ip is not empty. It returns
// the previous record and false when the id is unknown.
func (s *Store) Update(id, status, ip string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	prev := rec
	rec.Status = status
	if ip != "" {
		rec.IP = ip
	}
	s.records[id] = rec
	return prev, true
}

func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// CountByStatus returns the number of machines per status.
func (s *Store) CountByStatus() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts
}
