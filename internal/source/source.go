// Package source defines the error taxonomy shared by mailbox session
// implementations. Connection-level errors are classified into kinds so
// callers can show an actionable message and decide whether to retry.
package source

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an ingestion error.
type Kind string

const (
	KindNone         Kind = ""
	KindAuth         Kind = "auth"
	KindHostNotFound Kind = "host_not_found"
	KindTimeout      Kind = "timeout"
	KindTLS          Kind = "tls"
	KindNetwork      Kind = "network"
	KindProtocol     Kind = "protocol"
	KindDecode       Kind = "decode"
)

// AuthError indicates that the mail server rejected the credentials.
// It is not retried.
type AuthError struct {
	Address string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Address, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError is a transient connectivity failure. HostNotFound is set
// when DNS resolution failed.
type NetworkError struct {
	Op           string
	HostNotFound bool
	Err          error
}

func (e *NetworkError) Error() string {
	if e.HostNotFound {
		return fmt.Sprintf("%s: host not found: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is a deadline or I/O timeout. It is transient.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TLSError is a handshake or certificate failure.
type TLSError struct {
	Op  string
	Err error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("%s: tls error: %v", e.Op, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// ProtocolError means the server rejected a command (SELECT, SEARCH,
// FETCH). It is fatal for the current cycle.
type ProtocolError struct {
	Command string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s rejected: %v", e.Command, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DecodeError marks a single malformed message. The message is skipped.
type DecodeError struct {
	MessageRef string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding message %s: %v", e.MessageRef, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var decErr *DecodeError
	return errors.As(err, &decErr)
}

// IsTransient reports whether err is eligible for a bounded retry.
func IsTransient(err error) bool {
	switch Classify(err) {
	case KindNetwork, KindTimeout, KindHostNotFound:
		return true
	default:
		return false
	}
}

// Classify returns the kind of err. Typed errors win; untyped errors are
// inspected for DNS, timeout and TLS causes.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var (
		authErr  *AuthError
		tlsErr   *TLSError
		protoErr *ProtocolError
		decErr   *DecodeError
		toErr    *TimeoutError
		netErr   *NetworkError
	)
	switch {
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &tlsErr):
		return KindTLS
	case errors.As(err, &protoErr):
		return KindProtocol
	case errors.As(err, &decErr):
		return KindDecode
	case errors.As(err, &toErr):
		return KindTimeout
	case errors.As(err, &netErr):
		if netErr.HostNotFound {
			return KindHostNotFound
		}
		return KindNetwork
	}

	return Classify(Wrap("", err))
}

// Wrap converts a raw dial or I/O error into a typed error. Errors that
// are already typed are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTyped(err) {
		return err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return &TimeoutError{Op: op, Err: err}
		}
		return &NetworkError{Op: op, HostNotFound: true, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}

	if isTLSFailure(err) {
		return &TLSError{Op: op, Err: err}
	}

	return &NetworkError{Op: op, Err: err}
}

func isTyped(err error) bool {
	var (
		authErr  *AuthError
		tlsErr   *TLSError
		protoErr *ProtocolError
		decErr   *DecodeError
		toErr    *TimeoutError
		netErr   *NetworkError
	)
	return errors.As(err, &authErr) || errors.As(err, &tlsErr) ||
		errors.As(err, &protoErr) || errors.As(err, &decErr) ||
		errors.As(err, &toErr) || errors.As(err, &netErr)
}

func isTLSFailure(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		alertErr    tls.AlertError
	)
	return errors.As(err, &recordErr) || errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) || errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) || errors.As(err, &alertErr)
}

// UserMessage returns display copy for a connection-level failure.
func UserMessage(err error) string {
	switch Classify(err) {
	case KindNone:
		return ""
	case KindAuth:
		return "authentication failed"
	case KindTimeout:
		return "connection timed out"
	case KindHostNotFound:
		return "host not found"
	case KindTLS:
		return "secure connection failed"
	case KindProtocol:
		return "mail server rejected the request"
	case KindDecode:
		return "message could not be decoded"
	default:
		return "network error"
	}
}
