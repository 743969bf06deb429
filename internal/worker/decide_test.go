package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/errwatch/internal/config"
)

func TestDetermineAction(t *testing.T) {
	thresholds := config.ThresholdsConfig{MinOccurrences: 3, MinConfidence: 0.7, AutoFixConfidence: 0.9}
	all := []string{config.ActionLogOnly, config.ActionCreateTicket, config.ActionGeneratePR}

	tests := []struct {
		name       string
		confidence float64
		enabled    []string
		want       string
	}{
		{"high confidence opens pr", 0.95, all, config.ActionGeneratePR},
		{"auto fix boundary is inclusive", 0.9, all, config.ActionGeneratePR},
		{"mid confidence opens ticket", 0.75, all, config.ActionCreateTicket},
		{"min boundary is inclusive", 0.7, all, config.ActionCreateTicket},
		{"low confidence logs", 0.5, all, config.ActionLogOnly},
		{"pr disabled falls back to ticket", 0.95, []string{config.ActionLogOnly, config.ActionCreateTicket}, config.ActionCreateTicket},
		{"ticket disabled falls back to log", 0.75, []string{config.ActionLogOnly, config.ActionGeneratePR}, config.ActionLogOnly},
		{"low confidence without log_only", 0.5, []string{config.ActionGeneratePR, config.ActionCreateTicket}, ActionNone},
		{"nothing enabled", 0.99, nil, ActionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineAction(tt.confidence, tt.enabled, thresholds))
		})
	}
}

func TestTicketID(t *testing.T) {
	assert.Equal(t, "ERR-A1B2C3D4", TicketID("err", "a1b2c3d4e5f6"))
	assert.Equal(t, "OPS-AB", TicketID("OPS", "ab"))
}
