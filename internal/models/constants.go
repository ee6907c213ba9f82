package models

const (
	// DefaultMaxAttempts is the retry budget before an action is dead-lettered.
	DefaultMaxAttempts = 5

	// DefaultBatchSize caps how many actions one sync pass may claim.
	DefaultBatchSize = 50

	// DefaultRetentionDays is how long terminal actions stay visible
	// before purge.
	DefaultRetentionDays = 7

	// DefaultSessionTTLMinutes is the inactivity window after which a
	// booking session is considered abandoned.
	DefaultSessionTTLMinutes = 30

	// DefaultConflictBufferMinutes is the adjacency gap below which an
	// occurrence is flagged as a soft conflict.
	DefaultConflictBufferMinutes = 15
)
