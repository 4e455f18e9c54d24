package polymarket

// client.go — HTTP base del ejecutor contra Polymarket.
//
// El tráfico de este proceso tiene tres perfiles muy distintos:
//   - mutaciones de órdenes (POST /order, DELETE /order/{id}): ráfagas de
//     dos legs por intento más sus cancels, sensibles a latencia
//   - polling de fills (GET /data/order/{id}, GET /data/orders): dos
//     consultas por intervalo mientras un intento está en vuelo
//   - arranque (GET /markets/{id}, POST /books, Gamma /markets): una
//     pasada por mercado configurado para sembrar metadata y libros
// Cada perfil lleva su propio limiter para que un poll agresivo nunca
// retrase un cancel.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCLOBBase  = "https://clob.polymarket.com"
	defaultGammaBase = "https://gamma-api.polymarket.com"

	// Límites al 60% de los documentados por Polymarket.
	// Order endpoints: 500/10s → 30/s. Burst 6 cubre los dos legs de un
	// intento y sus cancels sin esperar al limiter.
	orderRatePerSec = 30
	orderBurst      = 6
	// Data API (estado de órdenes): 9000/10s → 540/s. El poll loop usa
	// una fracción mínima; el margen absorbe la reconciliación de
	// arranque, que consulta cada orden huérfana del ledger.
	dataRatePerSec = 540
	dataBurst      = 10
	// /books y /markets del CLOB: 500/10s → 30/s. Solo se tocan en el
	// arranque, una vez por mercado configurado.
	snapshotRatePerSec = 30
	snapshotBurst      = 5
	// Gamma /markets: 300/10s → 18/s. Enriquecimiento opcional.
	gammaRatePerSec = 18
	gammaBurst      = 4

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Client es el HTTP client base de Polymarket con rate limiting por
// perfil de endpoint y retries en lecturas.
type Client struct {
	http            *http.Client
	clobBase        string
	gammaBase       string
	orderLimiter    *rate.Limiter
	dataLimiter     *rate.Limiter
	snapshotLimiter *rate.Limiter
	gammaLimiter    *rate.Limiter
}

// NewClient crea un Client con los base URLs dados.
// Si clobBase o gammaBase están vacíos, usa los URLs de producción.
func NewClient(clobBase, gammaBase string) *Client {
	if clobBase == "" {
		clobBase = defaultCLOBBase
	}
	if gammaBase == "" {
		gammaBase = defaultGammaBase
	}
	return &Client{
		http:            &http.Client{Timeout: 10 * time.Second},
		clobBase:        clobBase,
		gammaBase:       gammaBase,
		orderLimiter:    rate.NewLimiter(orderRatePerSec, orderBurst),
		dataLimiter:     rate.NewLimiter(dataRatePerSec, dataBurst),
		snapshotLimiter: rate.NewLimiter(snapshotRatePerSec, snapshotBurst),
		gammaLimiter:    rate.NewLimiter(gammaRatePerSec, gammaBurst),
	}
}

// limiterFor asigna el limiter según el path del CLOB. Los paths de
// Gamma no pasan por aquí; usan gammaLimiter directamente.
func (c *Client) limiterFor(path string) *rate.Limiter {
	switch {
	case strings.HasPrefix(path, "/order"):
		return c.orderLimiter
	case strings.HasPrefix(path, "/data/"):
		return c.dataLimiter
	default:
		return c.snapshotLimiter
	}
}

// retryTransport indica si un fallo de transporte o un 5xx se puede
// reintentar a ciegas. Para mutaciones de órdenes no: un submit que
// expiró pudo haber sido aceptado, y repetirlo duplicaría el leg. El
// poll loop resuelve el estado real; aquí solo se reintentan lecturas.
func retryTransport(method string) bool {
	return method == http.MethodGet
}

// get hace un GET con rate limiting y retries.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, url string, out any) error {
	return c.doWithRetry(ctx, limiter, true, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

// post hace un POST JSON con rate limiting. Los POST de este client son
// lecturas batch (/books), sin efectos, así que sí se reintentan.
func (c *Client) post(ctx context.Context, limiter *rate.Limiter, url string, body, out any) error {
	return c.doWithRetry(ctx, limiter, true, func() (*http.Response, error) {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

// doWithRetry ejecuta la función con backoff exponencial. Un 429 se
// reintenta siempre: el CLOB lo devuelve antes de procesar la request.
// Transporte y 5xx solo se reintentan si retriable lo permite.
func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, retriable bool, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if !retriable || attempt == maxRetries {
				return fmt.Errorf("request failed: %w", err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("rate limited by API", "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if !retriable || attempt == maxRetries {
				return fmt.Errorf("server error %d: %s", resp.StatusCode, body)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
