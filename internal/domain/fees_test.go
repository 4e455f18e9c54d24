package domain_test

import (
	"testing"

	"github.com/alejandrodnm/fullset/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFees() domain.FeeSchedule {
	return domain.FeeSchedule{
		TakerFeeRate: 0.001,
		GasCostUSD:   0.20,
		SlippageRate: 0.001,
		SafetyMult:   1.3,
	}
}

func TestMinEdge_KnownValue(t *testing.T) {
	// (2*100*0.001 + 0.20 + 100*0.001) / 100 * 1.3 = 0.0065
	edge, err := testFees().MinEdge(100)
	require.NoError(t, err)
	assert.InDelta(t, 0.0065, edge, 1e-9)
}

func TestMinEdge_RejectsNonPositiveSize(t *testing.T) {
	_, err := testFees().MinEdge(0)
	assert.Error(t, err)

	_, err = testFees().MinEdge(-50)
	assert.Error(t, err)
}

func TestMinEdge_NeverNegative(t *testing.T) {
	fees := domain.FeeSchedule{} // todo a cero
	edge, err := fees.MinEdge(10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, edge, 0.0)
}

// El gas es fijo: al crecer el tamaño, el edge requerido decrece estrictamente.
func TestMinEdge_StrictlyDecreasingInSize(t *testing.T) {
	fees := testFees()
	sizes := []float64{10, 25, 50, 100, 250, 500, 1000}

	prev := 0.0
	for i, s := range sizes {
		edge, err := fees.MinEdge(s)
		require.NoError(t, err)
		if i > 0 {
			assert.Less(t, edge, prev, "size %.0f should require less edge than smaller trade", s)
		}
		prev = edge
	}
}

func TestMinEdge_SafetyMultFloorsAtOne(t *testing.T) {
	fees := testFees()
	fees.SafetyMult = 0 // valor sin configurar

	edge, err := fees.MinEdge(100)
	require.NoError(t, err)
	assert.InDelta(t, 0.005, edge, 1e-9) // sin multiplicador
}

func TestWithGasCost(t *testing.T) {
	fees := testFees().WithGasCost(0.40)
	assert.InDelta(t, 0.40, fees.GasCostUSD, 1e-9)

	// gas <= 0 no sobreescribe
	fees = testFees().WithGasCost(0)
	assert.InDelta(t, 0.20, fees.GasCostUSD, 1e-9)
}
