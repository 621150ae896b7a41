package main

import "time"

// Operational limits — named constants for admission, room, and protocol
// bounds referenced from across the server.
const (
	// maxUsernameLength bounds clientInfo.username; the movePlayer and
	// kickPlayer username fields are not checked against it.
	maxUsernameLength = 24

	// maxChatLength bounds the supplemented chat relay's message body.
	maxChatLength = 500

	// maxRoomCodeLength bounds joinGame's code field.
	maxRoomCodeLength = 12

	// defaultIdleTimeout is the default of the idle-timeout flag, which sets
	// the HTTP server's IdleTimeout; the clientInfo handshake deadline is
	// handshakeGrace.
	defaultIdleTimeout = 30 * time.Second

	// defaultControlEventRate is the per-connection events/second allowed
	// before a connection is flagged AbusiveClient.
	defaultControlEventRate = 50

	// auditRetention bounds how long operational audit log rows (kicks,
	// host-misbehavior destructions, admission rejections) are kept before
	// the hourly maintenance sweep prunes them.
	auditRetention = 30 * 24 * time.Hour
)
