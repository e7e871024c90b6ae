package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"syscall"
)

const (
	ReasonTimeout           = "timeout"
	ReasonDNSNotFound       = "dns_not_found"
	ReasonDNSError          = "dns_error"
	ReasonConnectionRefused = "connection_refused"
	ReasonConnectionReset   = "connection_reset"
	ReasonTLSError          = "tls_error"
	ReasonInvalidURL        = "invalid_url"
	ReasonHTTPError         = "http_error"
)

// Classify maps a transport error to a short reason stored with Down results.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return ReasonDNSNotFound
		case dnsErr.IsTimeout:
			return ReasonTimeout
		default:
			return ReasonDNSError
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonConnectionRefused
	case errors.Is(err, syscall.ECONNRESET):
		return ReasonConnectionReset
	}

	var (
		certErr      *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		recordHdrErr tls.RecordHeaderError
	)
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) || errors.As(err, &recordHdrErr) {
		return ReasonTLSError
	}

	if strings.Contains(err.Error(), "unsupported protocol scheme") ||
		strings.Contains(err.Error(), "no Host in request URL") {
		return ReasonInvalidURL
	}
	return ReasonHTTPError
}
