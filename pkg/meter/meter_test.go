package meter

import (
	"testing"

	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestPerIntervalCostWithCostAndSurcharge(t *testing.T) {
	m := types.Meter{Cost: 1.0, CostPct: 10, Unit: "hour"}
	cost, ok := PerIntervalCost(m, 2.0)
	require.True(t, ok)
	require.InDelta(t, 2.2, cost, 0.0001)
}

func TestPerIntervalCostWithFlatCostPassesThroughUnchanged(t *testing.T) {
	m := types.Meter{Cost: 0.05, Unit: "second"}
	cost, ok := PerIntervalCost(m, 99.0)
	require.True(t, ok)
	require.InDelta(t, 0.05, cost, 0.0001)
}

func TestPerIntervalCostSkipsWhenNeitherConfigured(t *testing.T) {
	m := types.Meter{Unit: "minute"}
	_, ok := PerIntervalCost(m, 2.0)
	require.False(t, ok)
}

func TestPerIntervalCostDividesSurchargeByUnitDivisor(t *testing.T) {
	minuteMeter := types.Meter{CostPct: 20, Unit: "minute"}
	cost, ok := PerIntervalCost(minuteMeter, 60.0)
	require.True(t, ok)
	// base 60/hr * 1.2 = 72/hr, /60 = 1.2/min
	require.InDelta(t, 1.2, cost, 0.0001)
}
