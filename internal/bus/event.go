package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, so keep the namespaces stable.
const (
	KindStateChanged = "conn.state_changed"
	KindAuthFailed   = "session.auth_failed"

	KindMessageUpserted = "message.upserted"
	KindMessageDeleted  = "message.deleted"
	KindMessageEdited   = "message.edited"
	KindMessageStatus   = "message.status_changed"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"
	KindHistoryReplaced = "history.replaced"

	KindJoined = "subscription.joined"
	KindLeft   = "subscription.left"

	KindQuestionAttempted = "game.question_attempted"
	KindScoresFinal       = "game.scores_final"
	KindRosterUpdated     = "game.roster_updated"

	KindScrollToLatest = "ui.scroll_to_latest"
)

// MessageRef identifies a message within a community for message.* events.
type MessageRef struct {
	CommunityID string
	MsgID       string
	TempID      string
}
