package room

// Conn is a live participant connection. Send must not block for long; it
// may call back into the room, and events produced by that call are
// delivered after the current batch.
type Conn interface {
	Send(ev Event) error
	Disconnect()
	Connected() bool
}

// EventName discriminates outbound notifications.
type EventName string

const (
	EventInit         EventName = "init"
	EventMemberJoin   EventName = "memberJoin"
	EventMemberLeave  EventName = "memberLeave"
	EventMemberUpdate EventName = "memberUpdate"
	EventGameStart    EventName = "gameStart"
	EventGameEnd      EventName = "gameEnd"
	EventMove         EventName = "move"
	EventError        EventName = "error"
)

// Event is the single outbound notification shape; only the fields of
// the given Name are set.
type Event struct {
	Name EventName `json:"event"`

	Room   *Snapshot    `json:"room,omitempty"`
	UserID string       `json:"userId,omitempty"`
	Member *Member      `json:"member,omitempty"`
	State  *MemberState `json:"state,omitempty"`

	Resolution Resolution     `json:"resolution,omitempty"`
	WinnerID   string         `json:"winnerId,omitempty"`
	Timer      *ClockSnapshot `json:"timer,omitempty"`
	Move       *Move          `json:"move,omitempty"`

	ErrorName string `json:"name,omitempty"`
	Message   string `json:"message,omitempty"`
}

func initEvent(snap Snapshot, userID string) Event {
	return Event{Name: EventInit, Room: &snap, UserID: userID}
}

func memberJoinEvent(m Member) Event { return Event{Name: EventMemberJoin, Member: &m} }

func memberLeaveEvent(userID string) Event { return Event{Name: EventMemberLeave, UserID: userID} }

func memberUpdateEvent(userID string, st MemberState) Event {
	return Event{Name: EventMemberUpdate, UserID: userID, State: &st}
}

func gameEndEvent(res Resolution, winnerID string, timer *ClockSnapshot) Event {
	return Event{Name: EventGameEnd, Resolution: res, WinnerID: winnerID, Timer: timer}
}

func moveEvent(mv Move, timer *ClockSnapshot) Event {
	return Event{Name: EventMove, Move: &mv, Timer: timer}
}

func errorEvent(err error) Event {
	return Event{Name: EventError, ErrorName: errorName(err), Message: err.Error()}
}
