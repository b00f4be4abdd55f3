package processor

import (
	"time"

	"github.com/fluxpod/fluxpod/pkg/types"
)

// evaluateScale is a pure function implementing spec §4.3 step 2-4's
// scale rules plus the controller_data observation windows they sit on.
// It never mutates its inputs; the caller persists the returned
// ControllerData and desired replica count.
func evaluateScale(now time.Time, rules types.ScaleRules, backlog int64, current, min, max int, cd types.ControllerData) (desired int, next types.ControllerData) {
	next = cd
	desired = current

	up := rules.Up
	if up != nil && backlog >= int64(up.AbovePressure) {
		if next.ScaleUpSince == nil {
			next.ScaleUpSince = timePtr(now)
		}
	} else {
		next.ScaleUpSince = nil
	}

	down := rules.Down
	if down != nil && backlog <= int64(down.BelowPressure) {
		if next.ScaleDownSince == nil {
			next.ScaleDownSince = timePtr(now)
		}
	} else {
		next.ScaleDownSince = nil
	}

	zero := rules.Zero
	if zero != nil && backlog == 0 {
		if next.ScaleZeroSince == nil {
			next.ScaleZeroSince = timePtr(now)
		}
	} else {
		next.ScaleZeroSince = nil
	}

	switch {
	case up != nil && next.ScaleUpSince != nil && now.Sub(*next.ScaleUpSince) >= up.Duration:
		step := up.Step
		if step == 0 {
			step = 1
		}
		desired = current + step
		if desired > max {
			desired = max
		}
		next.ScaleUpSince = nil
	case down != nil && next.ScaleDownSince != nil && now.Sub(*next.ScaleDownSince) >= down.Duration && current > min:
		step := down.Step
		if step == 0 {
			step = 1
		}
		desired = current - step
		if desired < min {
			desired = min
		}
		next.ScaleDownSince = nil
	case zero != nil && next.ScaleZeroSince != nil && now.Sub(*next.ScaleZeroSince) >= zero.Duration:
		desired = 0
	}

	if desired < min && zero == nil {
		desired = min
	}
	return desired, next
}

func timePtr(t time.Time) *time.Time { return &t }
