package log

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport wraps an outbound http.RoundTripper. It propagates the request ID
// found on the context logger's request (or a fresh one) as X-Request-ID and
// logs the completed call.
type Transport struct {
	Base   http.RoundTripper
	Logger zerolog.Logger
}

// NewTransport returns a logging Transport around base. A nil base means
// http.DefaultTransport.
func NewTransport(base http.RoundTripper, logger zerolog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	reqID := req.Header.Get(headerRequestID)
	if reqID == "" {
		reqID = uuid.New().String()
		req = req.Clone(req.Context())
		req.Header.Set(headerRequestID, reqID)
	}

	resp, err := t.Base.RoundTrip(req)

	child := t.Logger.With().
		Str(FieldRequestID, reqID).
		Str(FieldMethod, req.Method).
		Str(FieldHost, req.URL.Host).
		Str(FieldPath, req.URL.Path).
		Logger()

	if err != nil {
		child.Warn().
			Err(err).
			Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
			Msg("outbound request failed")
		return nil, err
	}

	evt := child.Debug()
	if resp.StatusCode >= http.StatusBadRequest {
		evt = child.Warn()
	}
	evt.Int(FieldStatus, resp.StatusCode).
		Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
		Msg("outbound request completed")

	return resp, nil
}
