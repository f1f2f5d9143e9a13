// Package sizing implements the pure arithmetic behind CLUSTER_RESIZE /
// CLUSTER_SCALE_OUT / CLUSTER_SCALE_IN: turning an adjustment request into
// a target desired_capacity, honoring (min_size, max_size, strict).
package sizing

import (
	"fmt"
	"math"
)

// AdjustmentType is the resize request's shape.
type AdjustmentType string

const (
	ExactCapacity        AdjustmentType = "EXACT_CAPACITY"
	ChangeInCapacity     AdjustmentType = "CHANGE_IN_CAPACITY"
	ChangeInPercentage   AdjustmentType = "CHANGE_IN_PERCENTAGE"
)

// Adjustment is a parsed resize request.
type Adjustment struct {
	Type    AdjustmentType
	Number  float64 // count for EXACT/CHANGE_IN_CAPACITY, percentage for CHANGE_IN_PERCENTAGE
	MinStep int     // only meaningful for CHANGE_IN_PERCENTAGE
}

// Resolve computes the target desired_capacity for current given adj, then
// clamps it to [minSize, maxSize] (maxSize == -1 means unbounded). If the
// raw target violates the bounds and strict is true, it returns an error
// naming the violated bound; if strict is false, the target is truncated
// to the nearest permissible value.
func Resolve(adj Adjustment, current, minSize, maxSize int, strict bool) (int, error) {
	target := rawTarget(adj, current)

	if target < minSize {
		if strict {
			return 0, fmt.Errorf("target capacity (%d) is less than the cluster's min_size (%d)", target, minSize)
		}
		return minSize, nil
	}

	if maxSize != -1 && target > maxSize {
		if strict {
			return 0, fmt.Errorf("target capacity (%d) is greater than the cluster's max_size (%d)", target, maxSize)
		}
		return maxSize, nil
	}

	return target, nil
}

func rawTarget(adj Adjustment, current int) int {
	switch adj.Type {
	case ExactCapacity:
		return int(adj.Number)

	case ChangeInCapacity:
		return current + int(adj.Number)

	case ChangeInPercentage:
		delta := adj.Number * float64(current) / 100
		magnitude := int(math.Ceil(math.Abs(delta)))
		if magnitude == 0 && delta != 0 {
			magnitude = 1
		}
		if adj.MinStep > 0 && magnitude < adj.MinStep {
			magnitude = adj.MinStep
		}
		if delta < 0 {
			magnitude = -magnitude
		}
		return current + magnitude

	default:
		return current
	}
}

// CheckResult is the outcome of CheckSizeParams.
type CheckResult struct {
	OK     bool
	Reason string
}

// CheckSizeParams validates a prospective node count against bounds,
// mirroring check_size_params(cluster, count, min, max, strict).
func CheckSizeParams(count, minSize, maxSize int, strict bool) CheckResult {
	if count < minSize {
		if strict {
			return CheckResult{OK: false, Reason: fmt.Sprintf("size %d is less than min_size (%d)", count, minSize)}
		}
		return CheckResult{OK: true}
	}
	if maxSize != -1 && count > maxSize {
		if strict {
			return CheckResult{OK: false, Reason: fmt.Sprintf("size %d is greater than max_size (%d)", count, maxSize)}
		}
		return CheckResult{OK: true}
	}
	return CheckResult{OK: true}
}
