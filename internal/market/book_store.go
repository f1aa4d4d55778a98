package market

import "sync"

// BookStore keeps one Orderbook per token. Safe for concurrent use.
type BookStore struct {
	mu    sync.RWMutex
	books map[string]*Orderbook
}

func NewBookStore() *BookStore {
	return &BookStore{books: make(map[string]*Orderbook)}
}

func (s *BookStore) GetBook(tokenID string) *Orderbook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books[tokenID]
}

// Ensure returns the book for tokenID, creating an empty one if needed.
func (s *BookStore) Ensure(tokenID string) (*Orderbook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[tokenID]; ok {
		return b, false
	}
	b := NewOrderbook(tokenID)
	s.books[tokenID] = b
	return b, true
}

// Seed replaces the levels of tokenID, creating the book if needed.
func (s *BookStore) Seed(tokenID string, bids, asks []Level) *Orderbook {
	b, _ := s.Ensure(tokenID)
	b.Snapshot(bids, asks)
	return b
}
