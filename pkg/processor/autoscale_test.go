package processor

import (
	"testing"
	"time"

	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/stretchr/testify/require"
)

var rules = types.ScaleRules{
	Up:   &types.ScaleRule{AbovePressure: 10, Duration: 30 * time.Second, Step: 2},
	Down: &types.ScaleRule{BelowPressure: 2, Duration: time.Minute, Step: 1},
	Zero: &types.ScaleRule{Duration: 5 * time.Minute},
}

func TestEvaluateScaleStartsWindowWithoutActingImmediately(t *testing.T) {
	now := time.Now()
	desired, next := evaluateScale(now, rules, 50, 3, 1, 10, types.ControllerData{})
	require.Equal(t, 3, desired)
	require.NotNil(t, next.ScaleUpSince)
}

func TestEvaluateScaleUpAfterWindowElapses(t *testing.T) {
	start := time.Now()
	cd := types.ControllerData{ScaleUpSince: &start}
	later := start.Add(31 * time.Second)
	desired, next := evaluateScale(later, rules, 50, 3, 1, 10, cd)
	require.Equal(t, 5, desired)
	require.Nil(t, next.ScaleUpSince)
}

func TestEvaluateScaleUpClampsToMaxReplicas(t *testing.T) {
	start := time.Now()
	cd := types.ControllerData{ScaleUpSince: &start}
	later := start.Add(31 * time.Second)
	desired, _ := evaluateScale(later, rules, 50, 9, 1, 10, cd)
	require.Equal(t, 10, desired)
}

func TestEvaluateScaleDownAfterWindowElapses(t *testing.T) {
	start := time.Now()
	cd := types.ControllerData{ScaleDownSince: &start}
	later := start.Add(61 * time.Second)
	desired, next := evaluateScale(later, rules, 0, 5, 1, 10, cd)
	require.Equal(t, 4, desired)
	require.Nil(t, next.ScaleDownSince)
}

func TestEvaluateScaleDownNeverBelowMinReplicas(t *testing.T) {
	start := time.Now()
	cd := types.ControllerData{ScaleDownSince: &start}
	later := start.Add(61 * time.Second)
	desired, _ := evaluateScale(later, rules, 0, 1, 1, 10, cd)
	require.Equal(t, 1, desired)
}

func TestEvaluateScaleToZeroOverridesMinReplicas(t *testing.T) {
	start := time.Now()
	cd := types.ControllerData{ScaleZeroSince: &start}
	later := start.Add(6 * time.Minute)
	desired, _ := evaluateScale(later, rules, 0, 3, 1, 10, cd)
	require.Equal(t, 0, desired)
}

func TestEvaluateScaleResetsWindowWhenPressureDrops(t *testing.T) {
	start := time.Now()
	cd := types.ControllerData{ScaleUpSince: &start}
	later := start.Add(10 * time.Second)
	_, next := evaluateScale(later, rules, 0, 3, 1, 10, cd)
	require.Nil(t, next.ScaleUpSince)
}
