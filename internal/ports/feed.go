package ports

import "github.com/alejandrodnm/fullset/internal/domain"

// BookUpdate es un snapshot de libro con número de secuencia del feed.
type BookUpdate struct {
	Seq  uint64
	Book domain.OrderBook
}

// BookSink consume actualizaciones de libros desde el feed de mercado.
// ApplyUpdate devuelve false si la actualización llegó fuera de orden
// y fue descartada.
type BookSink interface {
	ApplyUpdate(update BookUpdate) bool
}
