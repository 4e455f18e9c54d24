package ports

import (
	"context"

	"github.com/alejandrodnm/fullset/internal/domain"
)

// AlertSink recibe los eventos operativos del motor. Las implementaciones
// no deben bloquear el camino de ejecución; un sink lento se descarta.
type AlertSink interface {
	Emit(ctx context.Context, ev domain.Event)
}
