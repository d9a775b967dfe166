// Copyright 2012 Jolla Ltd.
// SPDX-License-Identifier: BSD-3-Clause

package libssu

import "fmt"

// ErrorKind classifies the latched error raised by a facade operation. It
// is a taxonomy, not a Go error chain root; most callers only need the
// human-readable string from Error/LastError.
type ErrorKind int

const (
	// ErrorKindNone indicates no error is latched.
	ErrorKindNone ErrorKind = iota
	// ErrorKindMissingConfigKey indicates a required UserState key is absent.
	ErrorKindMissingConfigKey
	// ErrorKindInvalidUID indicates the device identifier could not be resolved.
	ErrorKindInvalidUID
	// ErrorKindTransportError indicates an HTTP-level failure.
	ErrorKindTransportError
	// ErrorKindXMLParseError indicates the reply body did not parse as XML.
	ErrorKindXMLParseError
	// ErrorKindProtocolVersionMismatch indicates a stale or malformed protocolVersion.
	ErrorKindProtocolVersionMismatch
	// ErrorKindUnknownAction indicates the reply's <action> is not recognised.
	ErrorKindUnknownAction
	// ErrorKindInvalidCertificate indicates the <certificate> PEM failed to parse.
	ErrorKindInvalidCertificate
	// ErrorKindInvalidPrivateKey indicates the <privateKey> PEM failed to parse.
	ErrorKindInvalidPrivateKey
	// ErrorKindMissingCredentialField indicates a <credentials> element lacked
	// scope, username, or password.
	ErrorKindMissingCredentialField
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindMissingConfigKey:
		return "missing config key"
	case ErrorKindInvalidUID:
		return "invalid uid"
	case ErrorKindTransportError:
		return "transport error"
	case ErrorKindXMLParseError:
		return "xml parse error"
	case ErrorKindProtocolVersionMismatch:
		return "protocol version mismatch"
	case ErrorKindUnknownAction:
		return "unknown action"
	case ErrorKindInvalidCertificate:
		return "invalid certificate"
	case ErrorKindInvalidPrivateKey:
		return "invalid private key"
	case ErrorKindMissingCredentialField:
		return "missing credential field"
	default:
		return "unknown error kind"
	}
}

// Error is the structured form of a latched error; Client.Error and
// Client.LastError expose its rendered message for callers that only want
// the legacy string/bool contract.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap allows errors.Is/errors.As to see through to the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
