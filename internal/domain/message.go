package domain

import (
	"time"
)

// MessageActor identifies which side of the socket produced a frame. Unique
// ids are only unique per actor: a station may reuse an id the central system
// already spent.
type MessageActor string

const (
	ActorChargePoint   MessageActor = "charge_point"
	ActorCentralSystem MessageActor = "central_system"
)

// OCPP 1.6-J message type ids.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Message records every frame that crossed the wire, in either direction.
// CallResult rows get their Action copied from the originating Call during
// correlation, and the Call row gets ReplyID pointing at its result.
type Message struct {
	ID               uint         `json:"id" gorm:"primaryKey"`
	ChargePointID    string       `json:"charge_point_id" gorm:"index;size:128"`
	TransactionID    *int         `json:"transaction_id,omitempty" gorm:"index"`
	Actor            MessageActor `json:"actor" gorm:"uniqueIndex:ux_messages_actor_unique;size:32"`
	UniqueID         string       `json:"unique_id" gorm:"uniqueIndex:ux_messages_actor_unique;size:64"`
	MessageType      int          `json:"message_type"`
	Action           string       `json:"action"`
	ErrorCode        string       `json:"error_code"`
	ErrorDescription string       `json:"error_description"`
	Body             []byte       `json:"body" gorm:"type:jsonb"`
	ReplyID          *uint        `json:"reply_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

func (m *Message) IsCall() bool {
	return m.MessageType == MessageTypeCall
}
