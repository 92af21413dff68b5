// Package tracehttp dumps HTTP traffic to the debug log.
package tracehttp

import (
	"net/http"
	"net/http/httputil"

	"github.com/sirupsen/logrus"
)

// traceTransport logs the request and response while delegating the
// round trip to another http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	logger   *logrus.Logger
}

// RoundTrip logs a dump of the request and response at debug level
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	if dump, dumpErr := httputil.DumpRequestOut(req, true); dumpErr == nil {
		t.logger.WithField("url", req.URL.Redacted()).Debug(string(dump))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err != nil {
		t.logger.WithError(err).WithField("url", req.URL.Redacted()).Debug("HTTP round trip failed")
		return resp, err
	}
	if dump, dumpErr := httputil.DumpResponse(resp, true); dumpErr == nil {
		t.logger.WithField("status", resp.StatusCode).Debug(string(dump))
	}
	return resp, err
}

// Wrap returns a transport that traces d. A nil d wraps
// http.DefaultTransport.
func Wrap(d http.RoundTripper, logger *logrus.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, logger: logger}
}
