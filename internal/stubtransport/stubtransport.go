// Package stubtransport provides a deterministic http.RoundTripper for
// driving end-to-end dispatch scenarios without real network I/O, in the
// style of the teacher's own httptest-based handler tests.
package stubtransport

import (
	"bytes"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Stub answers every round trip with a canned status and body after an
// optional artificial delay, or fails every call once Fail is set.
type Stub struct {
	Status  int
	Body    []byte
	Delay   time.Duration
	Fail    atomic.Bool
	FailErr error

	calls atomic.Int64
}

// NewStub returns a Stub that answers 200 OK with an empty body.
func NewStub() *Stub {
	return &Stub{Status: http.StatusOK}
}

// Calls reports how many round trips this stub has served.
func (s *Stub) Calls() int64 {
	return s.calls.Load()
}

// RoundTrip implements http.RoundTripper.
func (s *Stub) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls.Add(1)

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	if s.Fail.Load() {
		if s.FailErr != nil {
			return nil, s.FailErr
		}
		return nil, errConnectionRefused
	}

	status := s.Status
	if status == 0 {
		status = http.StatusOK
	}

	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Proto:      "HTTP/1.1",
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(s.Body)),
		Request:    req,
	}, nil
}

type stubError string

func (e stubError) Error() string { return string(e) }

const errConnectionRefused = stubError("connect: connection refused")
