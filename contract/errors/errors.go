package errors

// Error codes for the bus contracts. Keep stable; used across adapters, stores and the bridge.
const (
	ErrCodeNoResponse          = "messagebus.no_response"
	ErrCodeDuplicateID         = "messagebus.duplicate_id"
	ErrCodeInvalidChannel      = "messagebus.invalid_channel"
	ErrCodeInvalidMessage      = "messagebus.invalid_message"
	ErrCodeBusClosed           = "messagebus.bus_closed"
	ErrCodeRequestCanceled     = "messagebus.request_canceled"
	ErrCodeErrorResponse       = "messagebus.error_response"
	ErrCodeBrokerExists        = "messagebus.broker_exists"
	ErrCodeBrokerNotFound      = "messagebus.broker_not_found"
	ErrCodePublishFailed       = "messagebus.publish_failed"
	ErrCodeSubscribeFailed     = "messagebus.subscribe_failed"
	ErrCodeSerializationFailed = "messagebus.serialization_failed"
	ErrCodeStoreNotFound       = "messagebus.store_not_found"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	// ErrNoResponse is returned when a request times out waiting for its correlated response.
	ErrNoResponse = Code(ErrCodeNoResponse)
	// ErrDuplicateID is returned when a subscription or request id is already in use.
	ErrDuplicateID         = Code(ErrCodeDuplicateID)
	ErrInvalidChannel      = Code(ErrCodeInvalidChannel)
	ErrInvalidMessage      = Code(ErrCodeInvalidMessage)
	ErrBusClosed           = Code(ErrCodeBusClosed)
	ErrRequestCanceled     = Code(ErrCodeRequestCanceled)
	ErrErrorResponse       = Code(ErrCodeErrorResponse)
	ErrBrokerExists        = Code(ErrCodeBrokerExists)
	ErrBrokerNotFound      = Code(ErrCodeBrokerNotFound)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSubscribeFailed     = Code(ErrCodeSubscribeFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrStoreNotFound       = Code(ErrCodeStoreNotFound)
)
