package core

import "errors"

const (
	// Pending bytes below which a level-triggered write waits for the next
	// writable event
	writeBacklog = 10240

	listenBacklog = 1024

	busyMessage = "Server busy!"

	// Trigger modes: which sockets use edge-triggered notification
	TrigModeLevel      = 0 // listener and connections level-triggered
	TrigModeConnEdge   = 1
	TrigModeListenEdge = 2
	TrigModeEdge       = 3 // both edge-triggered
)

// Error definitions
var (
	ErrInvalidPort     = errors.New("port must be within 1024-65535")
	ErrInvalidTrigMode = errors.New("trigger mode must be 0-3")
	ErrServerClosed    = errors.New("server closed")
)
