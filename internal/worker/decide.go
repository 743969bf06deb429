package worker

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/errwatch/internal/config"
)

// ActionNone means no action is recorded.
const ActionNone = ""

// DetermineAction maps an analysis confidence to an action type. It
// depends only on its arguments.
//
//   - confidence >= AutoFixConfidence: generate_pr
//   - confidence >= MinConfidence: create_ticket
//   - otherwise: log_only
//
// A disabled action falls through to the next lower one; when nothing
// applies the result is ActionNone.
func DetermineAction(confidence float64, enabledTypes []string, t config.ThresholdsConfig) string {
	enabled := func(a string) bool {
		for _, e := range enabledTypes {
			if e == a {
				return true
			}
		}
		return false
	}

	if confidence >= t.AutoFixConfidence && enabled(config.ActionGeneratePR) {
		return config.ActionGeneratePR
	}
	if confidence >= t.MinConfidence && enabled(config.ActionCreateTicket) {
		return config.ActionCreateTicket
	}
	if enabled(config.ActionLogOnly) {
		return config.ActionLogOnly
	}
	return ActionNone
}

// TicketID returns the deterministic ticket identifier for an error hash,
// e.g. ERR-A1B2C3D4.
func TicketID(system, errorHash string) string {
	h := errorHash
	if len(h) > 8 {
		h = h[:8]
	}
	return fmt.Sprintf("%s-%s", strings.ToUpper(system), strings.ToUpper(h))
}
