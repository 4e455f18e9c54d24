// Package books mantiene el estado en memoria de los libros de órdenes
// alimentados por el feed de mercado, con guardas de secuencia por token.
package books

import (
	"sync"

	"github.com/alejandrodnm/fullset/internal/domain"
	"github.com/alejandrodnm/fullset/internal/ports"
)

// entry guarda el último snapshot aceptado de un token y su secuencia.
type entry struct {
	seq  uint64
	book domain.OrderBook
}

// State es el cache de libros compartido entre el feed y el detector.
// Seguro para uso concurrente.
type State struct {
	mu       sync.RWMutex
	books    map[string]entry
	onUpdate func(tokenID string)
}

func NewState() *State {
	return &State{books: make(map[string]entry)}
}

// SetOnUpdate registra el callback invocado tras aceptar cada
// actualización. Debe llamarse antes de arrancar el feed; el callback
// corre en la goroutine del feed y no debe bloquear.
func (s *State) SetOnUpdate(fn func(tokenID string)) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// ApplyUpdate acepta el snapshot si su secuencia es estrictamente mayor
// que la última vista para ese token. Devuelve false si se descartó.
func (s *State) ApplyUpdate(update ports.BookUpdate) bool {
	tokenID := update.Book.TokenID
	if tokenID == "" {
		return false
	}

	s.mu.Lock()
	prev, seen := s.books[tokenID]
	if seen && update.Seq <= prev.seq {
		s.mu.Unlock()
		return false
	}
	s.books[tokenID] = entry{seq: update.Seq, book: update.Book}
	fn := s.onUpdate
	s.mu.Unlock()

	if fn != nil {
		fn(tokenID)
	}
	return true
}

// BestAsk devuelve el mejor ask del token. ok=false si no hay libro o
// el lado ask está vacío.
func (s *State) BestAsk(tokenID string) (price float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, seen := s.books[tokenID]
	if !seen || len(e.book.Asks) == 0 {
		return 0, false
	}
	return e.book.BestAsk(), true
}

// BestBid devuelve el mejor bid del token. ok=false si no hay libro o
// el lado bid está vacío.
func (s *State) BestBid(tokenID string) (price float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, seen := s.books[tokenID]
	if !seen || len(e.book.Bids) == 0 {
		return 0, false
	}
	return e.book.BestBid(), true
}

// Book devuelve una copia del libro del token. ok=false si nunca se ha
// recibido una actualización para él.
func (s *State) Book(tokenID string) (domain.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, seen := s.books[tokenID]
	if !seen {
		return domain.OrderBook{}, false
	}

	cp := e.book
	cp.Bids = append([]domain.BookEntry(nil), e.book.Bids...)
	cp.Asks = append([]domain.BookEntry(nil), e.book.Asks...)
	return cp, true
}

// Seq devuelve la última secuencia aceptada del token, 0 si ninguna.
func (s *State) Seq(tokenID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books[tokenID].seq
}
