// Package feed conecta el websocket de mercado del CLOB y alimenta el
// estado de libros con snapshots secuenciados. Reconecta con backoff
// exponencial y jitter; el estado compartido solo avanza vía el sink.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/fullset/internal/domain"
	"github.com/alejandrodnm/fullset/internal/ports"
)

const (
	// DefaultURL es el canal de mercado del CLOB de Polymarket.
	DefaultURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	defaultPingInterval = 10 * time.Second
	writeDeadline       = 3 * time.Second
)

// Options ajusta la reconexión del feed.
type Options struct {
	PingInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 15 * time.Second
	}
	return o
}

// subscribeRequest es el mensaje de suscripción al canal market.
type subscribeRequest struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

// wsEvent es el envelope de los eventos del canal market. El CLOB envía
// snapshots completos (event_type "book") y deltas ("price_change").
type wsEvent struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Timestamp string         `json:"timestamp"` // epoch millis como string
	Bids      []wsLevel      `json:"bids"`
	Asks      []wsLevel      `json:"asks"`
	Changes   []wsPriceLevel `json:"changes"`
}

type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsPriceLevel struct {
	Price string `json:"price"`
	Side  string `json:"side"`
	Size  string `json:"size"`
}

// Feed mantiene la conexión websocket y la última vista de cada libro,
// necesaria para aplicar deltas sobre el snapshot anterior.
type Feed struct {
	url      string
	assetIDs []string
	sink     ports.BookSink
	opts     Options
	logger   *slog.Logger

	mu    sync.Mutex
	books map[string]domain.OrderBook
}

func New(url string, assetIDs []string, sink ports.BookSink, opts Options, logger *slog.Logger) *Feed {
	if url == "" {
		url = DefaultURL
	}
	return &Feed{
		url:      url,
		assetIDs: assetIDs,
		sink:     sink,
		opts:     opts.withDefaults(),
		logger:   logger,
		books:    make(map[string]domain.OrderBook),
	}
}

// Seed inyecta snapshots REST iniciales antes de conectar, para que el
// detector tenga libros desde el primer segundo.
func (f *Feed) Seed(books map[string]domain.OrderBook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tokenID, book := range books {
		f.books[tokenID] = book
		f.sink.ApplyUpdate(ports.BookUpdate{Seq: 1, Book: book})
	}
}

// Run mantiene la conexión hasta que el contexto muere. Cada sesión
// caída se reintenta con backoff; una sesión sana resetea el backoff.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.logger.Warn("feed: dial failed, backing off",
				"error", err, "backoff", backoff)
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, f.opts.BackoffMax)
			continue
		}

		backoff = f.opts.BackoffMin
		f.logger.Info("feed: connected", "assets", len(f.assetIDs))

		if err := f.runSession(ctx, conn); err != nil && ctx.Err() == nil {
			f.logger.Warn("feed: session ended, reconnecting", "error", err)
		}
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		sleepWithJitter(ctx, backoff)
		backoff = nextBackoff(backoff, f.opts.BackoffMax)
	}
}

func (f *Feed) runSession(ctx context.Context, conn *websocket.Conn) error {
	sub := subscribeRequest{AssetIDs: f.assetIDs, Type: "market"}
	subBytes, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("feed: subscribe marshal: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, subBytes); err != nil {
		return fmt.Errorf("feed: subscribe write: %w", err)
	}

	var writeMu sync.Mutex
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	// El CLOB cierra conexiones sin PING periódico.
	go func() {
		defer stopAll()
		t := time.NewTicker(f.opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				werr := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
				writeMu.Unlock()
				if werr != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer stopAll()

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		if typ != websocket.TextMessage || len(msg) == 0 || string(msg) == "PONG" {
			continue
		}

		for _, update := range f.parseMessage(msg) {
			f.sink.ApplyUpdate(update)
		}
	}
}

// parseMessage decodifica un frame del canal market y devuelve los
// snapshots resultantes. El CLOB envía tanto eventos sueltos como arrays.
func (f *Feed) parseMessage(msg []byte) []ports.BookUpdate {
	var events []wsEvent
	if err := json.Unmarshal(msg, &events); err != nil {
		var single wsEvent
		if err := json.Unmarshal(msg, &single); err != nil {
			f.logger.Debug("feed: undecodable frame dropped", "error", err)
			return nil
		}
		events = []wsEvent{single}
	}

	updates := make([]ports.BookUpdate, 0, len(events))
	for _, ev := range events {
		switch ev.EventType {
		case "book":
			updates = append(updates, f.applySnapshot(ev))
		case "price_change":
			if up, ok := f.applyDelta(ev); ok {
				updates = append(updates, up)
			}
		}
	}
	return updates
}

// applySnapshot reemplaza la vista local del token con el snapshot.
func (f *Feed) applySnapshot(ev wsEvent) ports.BookUpdate {
	book := domain.OrderBook{
		TokenID: ev.AssetID,
		Bids:    mapLevels(ev.Bids, false),
		Asks:    mapLevels(ev.Asks, true),
	}

	f.mu.Lock()
	f.books[ev.AssetID] = book
	f.mu.Unlock()

	return ports.BookUpdate{Seq: seqFromTimestamp(ev.Timestamp), Book: book}
}

// applyDelta aplica cambios de nivel sobre el último snapshot conocido.
// Sin snapshot previo no hay base sobre la que aplicar; se descarta.
func (f *Feed) applyDelta(ev wsEvent) (ports.BookUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	base, ok := f.books[ev.AssetID]
	if !ok {
		return ports.BookUpdate{}, false
	}

	book := domain.OrderBook{
		TokenID: ev.AssetID,
		Bids:    append([]domain.BookEntry(nil), base.Bids...),
		Asks:    append([]domain.BookEntry(nil), base.Asks...),
	}

	for _, ch := range ev.Changes {
		price, _ := strconv.ParseFloat(ch.Price, 64)
		size, _ := strconv.ParseFloat(ch.Size, 64)
		if price <= 0 {
			continue
		}
		switch ch.Side {
		case "BUY":
			book.Bids = setLevel(book.Bids, price, size, false)
		case "SELL":
			book.Asks = setLevel(book.Asks, price, size, true)
		}
	}

	f.books[ev.AssetID] = book
	return ports.BookUpdate{Seq: seqFromTimestamp(ev.Timestamp), Book: book}, true
}

// setLevel actualiza o elimina un nivel manteniendo el orden del lado.
func setLevel(levels []domain.BookEntry, price, size float64, ascending bool) []domain.BookEntry {
	for i, lvl := range levels {
		if lvl.Price == price {
			if size <= 0 {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size <= 0 {
		return levels
	}

	insert := len(levels)
	for i, lvl := range levels {
		if (ascending && price < lvl.Price) || (!ascending && price > lvl.Price) {
			insert = i
			break
		}
	}
	levels = append(levels, domain.BookEntry{})
	copy(levels[insert+1:], levels[insert:])
	levels[insert] = domain.BookEntry{Price: price, Size: size}
	return levels
}

func mapLevels(raw []wsLevel, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price, _ := strconv.ParseFloat(r.Price, 64)
		size, _ := strconv.ParseFloat(r.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size})
	}
	// El CLOB manda bids ascendentes y asks descendentes; normalizamos
	// al orden del domain: bids mayor a menor, asks menor a mayor.
	reversed := false
	for i := 1; i < len(entries); i++ {
		if ascending && entries[i].Price < entries[i-1].Price {
			reversed = true
			break
		}
		if !ascending && entries[i].Price > entries[i-1].Price {
			reversed = true
			break
		}
	}
	if reversed {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return entries
}

// seqFromTimestamp deriva la secuencia del timestamp en millis del CLOB.
// Dos eventos del mismo milisegundo colapsan en uno; el descarte es
// inocuo porque llevan el mismo estado.
func seqFromTimestamp(ts string) uint64 {
	v, err := strconv.ParseUint(ts, 10, 64)
	if err != nil {
		return uint64(time.Now().UnixMilli())
	}
	return v
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int64N(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
