package apperr

import (
	"errors"
	"fmt"
)

// Reason is a stable name for a failure surfaced by the repository or transport.
type Reason string

const (
	ReasonUnknown                  Reason = "unknown"
	ReasonNoInternet               Reason = "no_internet"
	ReasonTokenAccessDenied        Reason = "token_access_denied"
	ReasonFetchUserConversations   Reason = "fetch_user_conversations_failed"
	ReasonConversationFetch        Reason = "conversation_fetch_failed"
	ReasonConversationCreate       Reason = "conversation_create_failed"
	ReasonConversationJoin         Reason = "conversation_join_failed"
	ReasonConversationLeave        Reason = "conversation_leave_failed"
	ReasonConversationRemove       Reason = "conversation_remove_failed"
	ReasonConversationMute         Reason = "conversation_mute_failed"
	ReasonConversationRename       Reason = "conversation_rename_failed"
	ReasonMessageFetch             Reason = "message_fetch_failed"
	ReasonMessageSend              Reason = "message_send_failed"
	ReasonParticipantsFetch        Reason = "participants_fetch_failed"
	ReasonParticipantAdd           Reason = "participant_add_failed"
	ReasonParticipantRemove        Reason = "participant_remove_failed"
	ReasonReactionUpdate           Reason = "reaction_update_failed"
	ReasonProfileUpdate            Reason = "profile_update_failed"
)

// codes maps each reason to a stable numeric code. Codes coming from the
// external service are preserved on the Error itself; these are the local
// defaults when the service gave none.
var codes = map[Reason]int{
	ReasonUnknown:                0,
	ReasonNoInternet:             1,
	ReasonTokenAccessDenied:      20101,
	ReasonFetchUserConversations: 10010,
	ReasonConversationFetch:      10011,
	ReasonConversationCreate:     10012,
	ReasonConversationJoin:       10013,
	ReasonConversationLeave:      10014,
	ReasonConversationRemove:     10015,
	ReasonConversationMute:       10016,
	ReasonConversationRename:     10017,
	ReasonMessageFetch:           10020,
	ReasonMessageSend:            10021,
	ReasonParticipantsFetch:      10030,
	ReasonParticipantAdd:         10031,
	ReasonParticipantRemove:      10032,
	ReasonReactionUpdate:         10040,
	ReasonProfileUpdate:          10050,
}

// Error is the single error type crossing the repository boundary.
type Error struct {
	Reason Reason
	Code   int
	cause  error
}

// New creates an Error with the default code for the reason.
func New(reason Reason, cause error) *Error {
	return &Error{Reason: reason, Code: codes[reason], cause: cause}
}

// WithCode creates an Error carrying a service-assigned numeric code.
func WithCode(reason Reason, code int, cause error) *Error {
	return &Error{Reason: reason, Code: code, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Reason, e.Code, e.cause)
	}
	return fmt.Sprintf("%s (code %d)", e.Reason, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// ReasonOf extracts the reason from any error chain, defaulting to unknown.
func ReasonOf(err error) Reason {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonUnknown
}

// Wrap reclassifies err under the given reason unless it already carries one.
func Wrap(reason Reason, err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return New(reason, err)
}
