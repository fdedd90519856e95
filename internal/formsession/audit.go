package formsession

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/getodk/collect-sub021/internal/formsave"
)

// AuditFileName is the audit log written next to the instance XML.
const AuditFileName = "audit.csv"

var auditHeader = []string{"event", "node", "start", "end", "change-reason"}

type auditRecord struct {
	event  formsave.AuditEventType
	detail string
	at     time.Time
}

// CSVAuditLogger buffers audit events and appends them to audit.csv on
// Flush.
type CSVAuditLogger struct {
	mu      sync.Mutex
	path    string
	pending []auditRecord

	// reasonPolicy is the admin setting; edited is set once a finalized
	// instance has been changed in this session.
	reasonPolicy bool
	finalized    bool
	edited       bool
}

func NewCSVAuditLogger(path string, reasonPolicy, finalized bool) *CSVAuditLogger {
	return &CSVAuditLogger{path: path, reasonPolicy: reasonPolicy, finalized: finalized}
}

func (l *CSVAuditLogger) LogEvent(event formsave.AuditEventType, detail string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, auditRecord{event: event, detail: detail, at: at})
	if event == formsave.AuditChangeReason {
		l.edited = false
	}
}

// MarkEdited records that an answer changed.
func (l *CSVAuditLogger) MarkEdited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edited = true
}

func (l *CSVAuditLogger) IsChangeReasonRequired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reasonPolicy && l.finalized && l.edited
}

// SetPath moves future writes to a new file, used when the instance
// directory is created after the session started.
func (l *CSVAuditLogger) SetPath(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.path = path
}

func (l *CSVAuditLogger) Flush(_ context.Context) error {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	path := l.path
	l.mu.Unlock()

	if len(pending) == 0 || path == "" {
		return nil
	}

	_, statErr := os.Stat(path)
	newFile := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o660)
	if err != nil {
		l.requeue(pending)
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		_ = w.Write(auditHeader)
	}
	for _, r := range pending {
		ts := strconv.FormatInt(r.at.UnixMilli(), 10)
		reason := ""
		if r.event == formsave.AuditChangeReason {
			reason = r.detail
		}
		_ = w.Write([]string{string(r.event), "", ts, ts, reason})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func (l *CSVAuditLogger) requeue(records []auditRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(records, l.pending...)
}
