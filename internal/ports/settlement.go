package ports

import "context"

// SettlementClient ejecuta la fusión on-chain de pares YES+NO en USDC.
type SettlementClient interface {
	// MergePositions envía la transacción mergePositions al CTF por size
	// shares del condition dado. gasMult multiplica el gas price base
	// (1.0 en el primer intento, escalado en los reintentos). Devuelve el
	// hash de la transacción enviada sin esperar confirmación.
	MergePositions(ctx context.Context, conditionID string, size float64, gasMult float64) (txHash string, err error)

	// WaitForConfirmation bloquea hasta que la transacción se mina o el
	// contexto expira. Devuelve error si el receipt indica revert.
	WaitForConfirmation(ctx context.Context, txHash string) error

	// EstimateGasCostUSD estima el coste en USD de una fusión al gas
	// price actual.
	EstimateGasCostUSD(ctx context.Context) (float64, error)

	// EnsureApprovals verifica y ejecuta las aprobaciones ERC1155/ERC20
	// necesarias para operar. Idempotente.
	EnsureApprovals(ctx context.Context) error
}
