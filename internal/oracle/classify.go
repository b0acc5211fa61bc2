package oracle

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/frommybrain/fatebox/pkg/types"
)

// ============================================================================
// Error classification
// Network operations never surface a raw transport error: everything that
// leaves this package wraps one of the pkg/types sentinels.
// ============================================================================

// HTTPStatusError is returned by the HTTP collaborators for non-2xx replies.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.URL, e.StatusCode, e.Body)
}

// markers seen in gateway and RPC error strings for transport failures.
var networkMarkers = []string{
	"econnrefused",
	"connection refused",
	"connection reset",
	"etimedout",
	"timed out",
	"timeout",
	"enotfound",
	"no such host",
	"eai_again",
	"socket hang up",
	"fetch failed",
	"network is unreachable",
	"broken pipe",
}

// markers of a failed gateway reveal fetch, which also triggers fallback.
var fetchRevealMarkers = []string{
	"fetch reveal",
	"fetchrandomnessreveal",
	"randomness_reveal",
}

var expiryMarkers = []string{
	"expired",
	"commit window",
}

// Classify wraps err with the matching taxonomy sentinel. Errors that already
// carry a sentinel and context.Canceled are returned unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case hasSentinel(err), errors.Is(err, context.Canceled):
		return err
	case isMisconfigured(err):
		return fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	case isNetwork(err):
		return fmt.Errorf("%w: %w", types.ErrNetwork, err)
	case containsAny(err, expiryMarkers):
		return fmt.Errorf("%w: %w", types.ErrExpired, err)
	default:
		return err
	}
}

// IsNetwork reports whether err is retryable network-class.
func IsNetwork(err error) bool {
	return errors.Is(err, types.ErrNetwork) || (err != nil && !hasSentinel(err) && isNetwork(err))
}

// IsGatewayError reports whether a primary gateway failure should fall back
// to the secondary gateway: connection refused, timeout, DNS failure or a
// named fetch-reveal failure.
func IsGatewayError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, types.ErrInvalidConfig) {
		return false
	}
	return IsNetwork(err) || containsAny(err, fetchRevealMarkers)
}

func hasSentinel(err error) bool {
	for _, s := range []error{
		types.ErrNetwork, types.ErrInvalidConfig, types.ErrOracleUnavailable,
		types.ErrAlreadyCommitted, types.ErrAlreadyRevealed, types.ErrAlreadySettled,
		types.ErrNotOwner, types.ErrRevealExhausted, types.ErrTimeout,
		types.ErrNotReady, types.ErrNotFound, types.ErrExpired, types.ErrInvalidTransition,
	} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

func isNetwork(err error) bool {
	// an HTTP client failure is only as retryable as the error it wraps
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isTransport(urlErr.Err)
	}
	if isTransport(err) {
		return true
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return true
		}
	}

	return containsAny(err, networkMarkers)
}

// isTransport reports connection-level failures: timeouts, dial and DNS
// errors, resets and a peer hanging up mid-response.
func isTransport(err error) bool {
	if err == nil || isTLS(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// isMisconfigured reports HTTP client failures no retry can fix: a bad URL
// or scheme and certificate or handshake rejections.
func isMisconfigured(err error) bool {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) || urlErr.Err == nil {
		return false
	}
	if urlErr.Op == "parse" || isTLS(urlErr.Err) {
		return true
	}
	return strings.Contains(urlErr.Err.Error(), "unsupported protocol scheme")
}

func isTLS(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		authorityErr x509.UnknownAuthorityError
		hostErr      x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		alertErr     tls.AlertError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &alertErr)
}

func containsAny(err error, markers []string) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
