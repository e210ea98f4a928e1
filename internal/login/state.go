package login

import (
	"fmt"
	"slices"
)

// State is the portal session state as observed by the orchestrator.
type State int

const (
	Anonymous State = iota
	CredentialsSubmitted
	OtpChallenge
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "Anonymous"
	case CredentialsSubmitted:
		return "CredentialsSubmitted"
	case OtpChallenge:
		return "OtpChallenge"
	case Authenticated:
		return "Authenticated"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Authenticated || s == Failed
}

// transitions is the complete set of legal moves. Every non-terminal state
// can fail; otherwise the flow is strictly linear.
var transitions = map[State][]State{
	Anonymous:            {CredentialsSubmitted, Failed},
	CredentialsSubmitted: {OtpChallenge, Failed},
	OtpChallenge:         {Authenticated, Failed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Kind classifies why a login ended in Failed.
type Kind string

const (
	KindLoginPageTimeout        Kind = "LoginPageTimeout"
	KindLoginError              Kind = "LoginError"
	KindOtpPageTimeout          Kind = "OtpPageTimeout"
	KindNoOtpFound              Kind = "NoOtpFound"
	KindInvalidCredential       Kind = "InvalidCredential"
	KindOtpFieldMissing         Kind = "OtpFieldMissing"
	KindOtpSubmitElementMissing Kind = "OtpSubmitElementMissing"
	KindAuthenticationTimeout   Kind = "AuthenticationTimeout"
	KindCanceled                Kind = "Canceled"
	KindUnexpected              Kind = "Unexpected"
)

// Failure is the reason attached to the Failed state. Cause carries the
// underlying driver or API error, if any.
type Failure struct {
	Kind  Kind
	Cause error
}

func (f *Failure) Error() string {
	if f.Cause == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }
