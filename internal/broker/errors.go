package broker

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a broker failure.
type Kind int

const (
	KindMissingFields Kind = iota + 1
	KindInvalidFormat
	KindNotAuthorized
	KindNoSuchAccount
	KindNoSuchServer
	KindInvalidPermission
	KindInvalidCredentials
	KindUpstreamError
	KindStorageError
	KindCorruptData
)

var kindNames = map[Kind]string{
	KindMissingFields:      "MissingFields",
	KindInvalidFormat:      "InvalidFormat",
	KindNotAuthorized:      "NotAuthorized",
	KindNoSuchAccount:      "NoSuchAccount",
	KindNoSuchServer:       "NoSuchServer",
	KindInvalidPermission:  "InvalidPermission",
	KindInvalidCredentials: "InvalidCredentials",
	KindUpstreamError:      "UpstreamError",
	KindStorageError:       "StorageError",
	KindCorruptData:        "CorruptDataError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsClientError reports whether the caller can fix the request. Everything
// else is an infrastructure failure.
func (k Kind) IsClientError() bool {
	switch k {
	case KindMissingFields, KindInvalidFormat, KindNotAuthorized, KindNoSuchAccount,
		KindNoSuchServer, KindInvalidPermission, KindInvalidCredentials:
		return true
	default:
		return false
	}
}

// Caller-facing messages
const (
	MsgNotAuthorized      = "Not authorized."
	MsgNoSuchAccount      = "No account linked with that uuid exists."
	MsgNoSuchServer       = "There exists no server with that id."
	MsgInvalidCredentials = "The upstream session provided is not valid."
	MsgUpstreamError      = "An error occurred contacting the upstream API."
	MsgFetchRows          = "An error occurred fetching existing rows."
	MsgFetchSubusers      = "An error occurred fetching server subusers info."
	MsgSaveSubusers       = "An error occurred saving subusers info."
	MsgCreateKey          = "An error occurred creating your key."
)

// Error is the error type returned by every Service operation.
type Error struct {
	Kind    Kind
	Message string // safe to show the caller
	Err     error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func invalidFormat(field string) *Error {
	return NewError(KindInvalidFormat,
		fmt.Sprintf("The field '%s' must be a 24 character hexadecimal id.", field), nil)
}

func invalidPermissions(values []string) *Error {
	return NewError(KindInvalidPermission,
		fmt.Sprintf("Invalid permissions were provided: '%s'.", strings.Join(values, "', '")), nil)
}
