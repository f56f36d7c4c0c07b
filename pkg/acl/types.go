package acl

import "net/http"

// Result types for error handling
type Result[T any] struct {
	Data    T
	Error   *ACLError
	Success bool
}

func Ok[T any](data T) Result[T] {
	return Result[T]{Data: data, Success: true}
}

func Err[T any](err *ACLError) Result[T] {
	return Result[T]{Error: err, Success: false}
}

// ConnectionStatus of a transport or router.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusPending      ConnectionStatus = "PENDING"
	StatusConnected    ConnectionStatus = "CONNECTED"
)

// ChangedReason explains the latest ConnectionStatus transition.
type ChangedReason string

const (
	ReasonNone                 ChangedReason = "NONE"
	ReasonSuccess              ChangedReason = "SUCCESS"
	ReasonACLClientRequest     ChangedReason = "ACL_CLIENT_REQUEST"
	ReasonServerSideDisconnect ChangedReason = "SERVER_SIDE_DISCONNECT"
	ReasonInternalError        ChangedReason = "INTERNAL_ERROR"
	ReasonInvalidAuth          ChangedReason = "INVALID_AUTH"
	ReasonConnectionTimedOut   ChangedReason = "CONNECTION_TIMEDOUT"
	ReasonParseError           ChangedReason = "PARSE_ERROR"
	ReasonGatewayChange        ChangedReason = "GATEWAY_CHANGE"
)

// SendStatus is the outcome passed to a MessageRequest completion.
type SendStatus string

const (
	SendPending               SendStatus = "PENDING"
	SendSuccess               SendStatus = "SUCCESS"
	SendSuccessAccepted       SendStatus = "SUCCESS_ACCEPTED"
	SendSuccessNoContent      SendStatus = "SUCCESS_NO_CONTENT"
	SendNotConnected          SendStatus = "NOT_CONNECTED"
	SendTimedOut              SendStatus = "TIMEDOUT"
	SendProtocolError         SendStatus = "PROTOCOL_ERROR"
	SendInternalError         SendStatus = "INTERNAL_ERROR"
	SendServerInternalErrorV2 SendStatus = "SERVER_INTERNAL_ERROR_V2"
	SendCanceled              SendStatus = "CANCELED"
	SendThrottled             SendStatus = "THROTTLED"
	SendInvalidAuth           SendStatus = "INVALID_AUTH"
	SendBadRequest            SendStatus = "BAD_REQUEST"
	SendServerOtherError      SendStatus = "SERVER_OTHER_ERROR"
	SendConnectionLost        SendStatus = "CONNECTION_LOST"
)

// IsSuccess reports whether the server accepted the message.
func (s SendStatus) IsSuccess() bool {
	switch s {
	case SendSuccess, SendSuccessAccepted, SendSuccessNoContent:
		return true
	}
	return false
}

// SendStatusFromHTTP maps an event-stream response code to a SendStatus.
func SendStatusFromHTTP(code int) SendStatus {
	switch code {
	case http.StatusOK:
		return SendSuccess
	case http.StatusAccepted:
		return SendSuccessAccepted
	case http.StatusNoContent:
		return SendSuccessNoContent
	case http.StatusBadRequest:
		return SendBadRequest
	case http.StatusForbidden:
		return SendInvalidAuth
	case http.StatusTooManyRequests:
		return SendThrottled
	case http.StatusInternalServerError:
		return SendServerInternalErrorV2
	default:
		return SendServerOtherError
	}
}

// Handler types
type ConnectionHandler func(ConnectionStatus, ChangedReason)
type ErrorHandler func(*ACLError)
type MessageHandler func(*InboundMessage)

// MessageConsumer receives every JSON part parsed off the wire.
type MessageConsumer interface {
	Consume(contextID, message string)
}

// Transport is one connection to one gateway.
type Transport interface {
	Connect() error
	Disconnect()
	Send(req *MessageRequest)
	Status() ConnectionStatus
	Endpoint() string
	AddConnectionHandler(handler ConnectionHandler) func()
}
