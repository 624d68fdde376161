package protocol

import "fmt"

// EngineLibraryID is the pseudo library that owns engine-managed sessions.
const EngineLibraryID int32 = 0

// UnknownSequence marks a sequence number the index has never seen.
const UnknownSequence int32 = -1

// NoMessageReplay in RequestSession means no catchup is wanted.
const NoMessageReplay int32 = -1

// GatewayError is carried by Error replies.
type GatewayError uint8

const (
	UnknownLibrary GatewayError = iota + 1
	UnknownSession
	DuplicateSession
	UnableToConnect
	SequenceNumberTooHigh
	SessionNotLoggedIn
	Exception
)

var gatewayErrorNames = map[GatewayError]string{
	UnknownLibrary:        "UNKNOWN_LIBRARY",
	UnknownSession:        "UNKNOWN_SESSION",
	DuplicateSession:      "DUPLICATE_SESSION",
	UnableToConnect:       "UNABLE_TO_CONNECT",
	SequenceNumberTooHigh: "SEQUENCE_NUMBER_TOO_HIGH",
	SessionNotLoggedIn:    "SESSION_NOT_LOGGED_IN",
	Exception:             "EXCEPTION",
}

func (e GatewayError) String() string {
	if s, ok := gatewayErrorNames[e]; ok {
		return s
	}
	return fmt.Sprintf("GATEWAY_ERROR(%d)", uint8(e))
}

// SessionReplyStatus answers ReleaseSession and RequestSession.
type SessionReplyStatus uint8

const (
	ReplyOK SessionReplyStatus = iota
	ReplyUnknownLibrary
	ReplyUnknownSession
	ReplySessionNotLoggedIn
	ReplySequenceNumberTooHigh
	ReplyMissingMessages
	ReplyOther
)

var replyStatusNames = [...]string{
	ReplyOK:                    "OK",
	ReplyUnknownLibrary:        "UNKNOWN_LIBRARY",
	ReplyUnknownSession:        "UNKNOWN_SESSION",
	ReplySessionNotLoggedIn:    "SESSION_NOT_LOGGED_IN",
	ReplySequenceNumberTooHigh: "SEQUENCE_NUMBER_TOO_HIGH",
	ReplyMissingMessages:       "MISSING_MESSAGES",
	ReplyOther:                 "OTHER",
}

func (s SessionReplyStatus) String() string {
	if int(s) < len(replyStatusNames) {
		return replyStatusNames[s]
	}
	return fmt.Sprintf("REPLY_STATUS(%d)", uint8(s))
}

type ConnectionType uint8

const (
	Acceptor ConnectionType = iota
	Initiator
)

func (c ConnectionType) String() string {
	if c == Initiator {
		return "INITIATOR"
	}
	return "ACCEPTOR"
}

type SessionState uint8

const (
	SessionConnected SessionState = iota + 1
	SessionActive
	SessionDisconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "CONNECTED"
	case SessionActive:
		return "ACTIVE"
	case SessionDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("SESSION_STATE(%d)", uint8(s))
	}
}

type LogonStatus uint8

const (
	LogonNew LogonStatus = iota
	LogonLibraryNotification
)

// MessageStatus tags FixMessage records; catchup replays are marked so
// libraries can tell them from live traffic.
type MessageStatus uint8

const (
	StatusOK MessageStatus = iota
	StatusCatchupReplay
)

type DisconnectReason uint8

const (
	ReasonRemoteDisconnect DisconnectReason = iota
	ReasonApplicationDisconnect
	ReasonLocalDisconnect
	ReasonNoLogon
	ReasonDuplicateSession
	ReasonException
	// ReasonSlowConsumer drops a counterparty that stopped draining its
	// socket.
	ReasonSlowConsumer
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRemoteDisconnect:
		return "REMOTE_DISCONNECT"
	case ReasonApplicationDisconnect:
		return "APPLICATION_DISCONNECT"
	case ReasonLocalDisconnect:
		return "LOCAL_DISCONNECT"
	case ReasonNoLogon:
		return "NO_LOGON"
	case ReasonDuplicateSession:
		return "DUPLICATE_SESSION"
	case ReasonException:
		return "EXCEPTION"
	case ReasonSlowConsumer:
		return "SLOW_CONSUMER"
	default:
		return fmt.Sprintf("DISCONNECT_REASON(%d)", uint8(r))
	}
}

// SequenceNumberType decides whether an initiated session keeps its
// sequence numbers across reconnects.
type SequenceNumberType uint8

const (
	SequenceTransient SequenceNumberType = iota
	SequencePersistent
	SequenceDetermineAtLogon
)
