package walletdto

// Envelope types carried on the pub/sub fabric.
const (
	TypeCommand = "economy.command"
	TypeUpdate  = "economy.update"
	TypeJoin    = "player.join"
	TypeLeave   = "player.leave"
)

// Source identifies which front-end issued a command.
type Source string

const (
	SourceDiscord Source = "discord"
	SourceGame    Source = "game"
)

// CommandEnvelope is published on the global commands topic.
type CommandEnvelope struct {
	Type    string         `json:"type"`
	Payload CommandPayload `json:"payload"`
}

// CommandPayload is the administrative credit/debit intent.
type CommandPayload struct {
	TxnID    string `json:"txnId"`
	UserID   string `json:"userId"`
	Delta    int64  `json:"delta"`
	Actor    string `json:"actor"`
	Source   Source `json:"source"`
	Reason   string `json:"reason,omitempty"`
	IssuedAt string `json:"issuedAt,omitempty"`
}

// UpdateEnvelope is broadcast on events:{userId} after a successful apply.
type UpdateEnvelope struct {
	Type    string        `json:"type"`
	Payload UpdatePayload `json:"payload"`
}

// UpdatePayload describes the applied transaction and the resulting balance.
type UpdatePayload struct {
	TxnID      string `json:"txnId"`
	UserID     string `json:"userId"`
	Delta      int64  `json:"delta"`
	Balance    int64  `json:"balance"`
	Actor      string `json:"actor"`
	Source     Source `json:"source"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurredAt"`
}

// PresenceEnvelope signals a player session beginning or ending on a game node.
type PresenceEnvelope struct {
	Type    string          `json:"type"`
	Payload PresencePayload `json:"payload"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	NodeID string `json:"nodeId,omitempty"`
}
