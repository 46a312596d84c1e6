// Package errclass maps raw provider failures onto the transport error taxonomy.
package errclass

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
)

// Classify builds an ErrorRecord for err. It never returns nil for a non-nil err.
func Classify(err error) *models.ErrorRecord {
	if err == nil {
		return nil
	}
	rec := &models.ErrorRecord{
		Tag:       Tag(err),
		Message:   redactMessage(err.Error()),
		Trace:     redactMessage(Trace(err)),
		CreatedAt: time.Now().UTC(),
	}
	if ex, ok := provider.ExchangeOf(err); ok {
		rec.Method = ex.Method
		rec.URL = RedactURL(ex.URL)
		rec.RequestHeaders = RedactHeaders(ex.RequestHeaders)
		rec.RequestBody = string(ex.RequestBody)
		rec.StatusCode = ex.StatusCode
		rec.ResponseHeaders = RedactHeaders(ex.ResponseHeaders)
		rec.ResponseBody = string(ex.ResponseBody)
	}
	return rec
}

// Tag returns the taxonomy tag of err. Categories are checked in a fixed
// priority order: http, ssl, system, encoding, timeout, connection.
func Tag(err error) models.ErrorTag {
	switch {
	case isHTTP(err):
		return models.ErrorHTTP
	case isSSL(err):
		return models.ErrorSSL
	case isSystem(err):
		return models.ErrorSystem
	case isEncoding(err):
		return models.ErrorEncoding
	case isTimeout(err):
		return models.ErrorTimeout
	case isConnection(err):
		return models.ErrorConnection
	default:
		return models.ErrorUnknown
	}
}

func isHTTP(err error) bool {
	var he *provider.HTTPError
	if errors.As(err, &he) {
		return true
	}
	// net/http reports redirect loops as a plain error inside *url.Error
	return strings.Contains(err.Error(), "stopped after") && strings.Contains(err.Error(), "redirects")
}

func isSSL(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
		recordHeader     tls.RecordHeaderError
		alert            tls.AlertError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &hostname) ||
		errors.As(err, &verification) ||
		errors.As(err, &recordHeader) ||
		errors.As(err, &alert)
}

func isSystem(err error) bool {
	var ue *url.Error
	if errors.As(err, &ue) && (ue.Op == "parse" || strings.Contains(ue.Err.Error(), "unsupported protocol scheme")) {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "proxyconnect" {
		return true
	}
	return errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

func isEncoding(err error) bool {
	var (
		syntax    *json.SyntaxError
		typ       *json.UnmarshalTypeError
		num       *strconv.NumError
		invalid   hex.InvalidByteError
		malformed url.EscapeError
	)
	return errors.Is(err, provider.ErrDecode) ||
		errors.As(err, &syntax) ||
		errors.As(err, &typ) ||
		errors.As(err, &num) ||
		errors.As(err, &invalid) ||
		errors.As(err, &malformed)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnection(err error) bool {
	var (
		op  *net.OpError
		dns *net.DNSError
	)
	return errors.As(err, &op) ||
		errors.As(err, &dns) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// Trace renders the wrap chain of err, outermost first.
func Trace(err error) string {
	var b strings.Builder
	depth := 0
	for e := err; e != nil; depth++ {
		fmt.Fprintf(&b, "%s%T: %s\n", strings.Repeat("  ", depth), e, e.Error())
		switch x := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				b.WriteString(indent(Trace(inner), depth+1))
			}
			e = nil
		default:
			e = errors.Unwrap(e)
		}
	}
	return b.String()
}

func indent(s string, depth int) string {
	pad := strings.Repeat("  ", depth)
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l == "" {
			continue
		}
		b.WriteString(pad)
		b.WriteString(l)
	}
	return b.String()
}

var urlInText = regexp.MustCompile(`https?://[^\s"']+`)

// redactMessage scrubs URLs embedded in error text, which net/http includes verbatim.
func redactMessage(s string) string {
	return urlInText.ReplaceAllStringFunc(s, RedactURL)
}
