package main

import (
	"testing"

	"github.com/autopilot-ci/autopilot/internal/autopilot/server"
)

func TestWSMessageType(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		toState   string
		want      string
	}{
		{"discovery", "discovered", "queued", server.MsgTicketDiscovered},
		{"lifecycle move", "pr_open", "pr_open", server.MsgTicketState},
		{"merge retires", "merged", "merged", server.MsgTicketRetired},
		{"failure retires", "checks_failed", "failed", server.MsgTicketRetired},
		{"abandonment retires", "abandoned", "abandoned", server.MsgTicketRetired},
		{"stateless event is plain activity", "pipeline_committed", "", server.MsgActivity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wsMessageType(tt.eventType, tt.toState); got != tt.want {
				t.Errorf("wsMessageType(%q, %q) = %q, want %q", tt.eventType, tt.toState, got, tt.want)
			}
		})
	}
}
