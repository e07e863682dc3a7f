package engine

import (
	"strings"

	"github.com/fleetwatt/fleetwatt/pkg/types"
)

// ResolveMode maps raw device settings to a normalized operating-mode label.
// Pure and total: any settings value yields a deterministic result, where ""
// means the mode could not be resolved.
func ResolveMode(s types.DeviceSettings) string {
	if strings.EqualFold(s.BatteryMode, "IMBALANCE_TRADING") {
		if strings.EqualFold(s.ImbalanceTradingStrategy, "AGGRESSIVE") {
			return "imbalance_aggressive"
		}
		return "imbalance"
	}
	if s.SelfConsumptionTradingAllowed {
		return "self_consumption_plus"
	}
	return strings.ToLower(s.BatteryMode)
}
