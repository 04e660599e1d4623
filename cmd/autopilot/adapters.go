package main

import (
	"log/slog"

	"github.com/autopilot-ci/autopilot/internal/autopilot/db"
	"github.com/autopilot-ci/autopilot/internal/autopilot/server"
	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
)

// activityFanout persists activity entries and mirrors them to connected
// WebSocket clients. It implements the ActivityLogger interface shared by
// the scheduler, processor, monitor, and worker packages.
type activityFanout struct {
	db     *db.DB
	hub    *server.Hub
	logger *slog.Logger
}

func (f *activityFanout) LogActivity(issueKey, eventType, fromState, toState, detail string) error {
	if err := f.db.LogActivity(issueKey, eventType, fromState, toState, detail); err != nil {
		return err
	}
	if f.hub == nil {
		return nil
	}
	msg, err := server.NewWSMessage(wsMessageType(eventType, toState), map[string]string{
		"issue_key":  issueKey,
		"event_type": eventType,
		"from_state": fromState,
		"to_state":   toState,
		"detail":     detail,
	})
	if err == nil {
		f.hub.Broadcast(msg)
	}
	return nil
}

// wsMessageType maps an activity event onto the hub's message taxonomy:
// discovery, lifecycle moves, terminal retirement, and everything else as
// plain activity.
func wsMessageType(eventType, toState string) string {
	if eventType == "discovered" {
		return server.MsgTicketDiscovered
	}
	if store.State(toState).Terminal() {
		return server.MsgTicketRetired
	}
	if toState != "" {
		return server.MsgTicketState
	}
	return server.MsgActivity
}
