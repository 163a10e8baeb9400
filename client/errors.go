package client

import (
	"errors"
	"sync"
	"time"
)

// ErrNotConnected is returned when a frame is sent while the realtime
// connection is not open.
var ErrNotConnected = errors.New("realtime connection is not open")

// Kinds of ErrorReport.
const (
	ReportAuthFrame = "auth_frame" // server error frame about auth or session
	ReportAuthClose = "auth_close" // protocol or policy violation close code
	ReportHTTP401   = "http_401"   // messenger API answered 401
)

// maxErrorReports bounds the diagnostic log.
const maxErrorReports = 50

// ErrorReport is a diagnostic entry about an authentication problem.
type ErrorReport struct {
	At        time.Time
	Kind      string
	Message   string
	UserAgent string
}

type errorLog struct {
	mu      sync.Mutex
	entries []ErrorReport
}

func (l *errorLog) add(r ErrorReport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, r)
	if n := len(l.entries) - maxErrorReports; n > 0 {
		l.entries = append([]ErrorReport(nil), l.entries[n:]...)
	}
}

func (l *errorLog) list() []ErrorReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ErrorReport(nil), l.entries...)
}
