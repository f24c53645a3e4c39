// Package audit implements the change-tracking pipeline: field-level diffing of entity
// snapshots, sensitive-field classification, request audit context, prior-state lookups, and the
// Recorder that persists entries without ever blocking or failing the primary request.
//
// Persisted entries can additionally be shipped to external destinations (webhook, file) so a
// SIEM or log aggregator receives the trail independently of the database. Shipped entries
// carry the names of changed fields only, never their values.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/casedesk/casedesk/internal/db/models"
)

// LogEntry is the shipped form of a persisted AuditLog.
type LogEntry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Action           string    `json:"action"`
	UserID           string    `json:"user_id,omitempty"`
	UserEmail        string    `json:"user_email"`
	Module           string    `json:"module"`
	EntityType       string    `json:"entity_type"`
	EntityID         string    `json:"entity_id"`
	IPAddress        string    `json:"ip_address,omitempty"`
	OperationSuccess bool      `json:"operation_success"`
	ChangedFields    []string  `json:"changed_fields,omitempty"`
}

// NewLogEntry builds the shipped form of a log and its change rows.
func NewLogEntry(log *models.AuditLog, changes []models.AuditEntityChange) *LogEntry {
	entry := &LogEntry{
		ID:               log.ID,
		Timestamp:        log.CreatedAt,
		Action:           string(log.Action),
		UserEmail:        log.UserEmail,
		Module:           log.Module,
		EntityType:       log.EntityType,
		EntityID:         log.EntityID,
		OperationSuccess: log.OperationSuccess,
	}
	if log.UserID != nil {
		entry.UserID = *log.UserID
	}
	if log.IPAddress != nil {
		entry.IPAddress = *log.IPAddress
	}
	for _, c := range changes {
		entry.ChangedFields = append(entry.ChangedFields, c.FieldName)
	}
	return entry
}

// Shipper delivers audit entries to an external destination.
type Shipper interface {
	Ship(ctx context.Context, entry *LogEntry) error
	Close() error
}

// ShipperConfig configures one destination.
type ShipperConfig struct {
	Enabled bool
	Type    string // webhook, file
	Webhook *WebhookConfig
	File    *FileConfig
}

// WebhookConfig configures a webhook destination.
type WebhookConfig struct {
	URL           string
	Headers       map[string]string
	Timeout       time.Duration
	BatchSize     int // 0 disables batching
	FlushInterval time.Duration
}

// FileConfig configures a JSON-lines file destination.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// MultiShipper fans entries out to every configured destination.
type MultiShipper struct {
	mu       sync.RWMutex
	shippers []Shipper
}

// NewMultiShipper builds the enabled destinations from configs.
func NewMultiShipper(configs []ShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		var (
			s   Shipper
			err error
		)
		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			s, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			s, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}
		ms.shippers = append(ms.shippers, s)
	}
	return ms, nil
}

// Len returns the number of active destinations.
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship delivers entry to every destination and returns the last error seen.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			slog.Warn("audit shipper error", "audit_log_id", entry.ID, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// Close closes every destination.
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// WebhookShipper POSTs entries as JSON, optionally in batches.
type WebhookShipper struct {
	cfg       *WebhookConfig
	client    *http.Client
	queue     chan *LogEntry
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebhookShipper creates a webhook destination and starts its batch loop when batching is on.
func NewWebhookShipper(cfg *WebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	ws := &WebhookShipper{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		queue:   make(chan *LogEntry, 1000),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.BatchSize > 0 {
		go ws.batchLoop()
	} else {
		close(ws.done)
	}
	return ws, nil
}

func (ws *WebhookShipper) batchLoop() {
	defer close(ws.done)

	interval := ws.cfg.FlushInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]*LogEntry, 0, ws.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := ws.post(batch); err != nil {
			slog.Error("failed to send audit batch", "entries", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-ws.queue:
			batch = append(batch, entry)
			if len(batch) >= ws.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ws.closeCh:
			for {
				select {
				case entry := <-ws.queue:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Ship queues the entry when batching, otherwise sends it immediately. A full queue falls back to
// a direct send.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	if ws.cfg.BatchSize > 0 {
		select {
		case ws.queue <- entry:
			return nil
		default:
		}
	}
	return ws.postContext(ctx, entry)
}

func (ws *WebhookShipper) post(payload interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), ws.cfg.Timeout)
	defer cancel()
	return ws.postContext(ctx, payload)
}

func (ws *WebhookShipper) postContext(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes any pending batch and stops the batch loop.
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() { close(ws.closeCh) })
	<-ws.done
	return nil
}

// FileShipper appends entries to a JSON-lines file with size-based rotation.
type FileShipper struct {
	cfg  *FileConfig
	mu   sync.Mutex
	file *os.File
}

// NewFileShipper opens (or creates) the destination file.
func NewFileShipper(cfg *FileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileShipper{cfg: cfg, file: file}, nil
}

// Ship appends one line.
func (fs *FileShipper) Ship(_ context.Context, entry *LogEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		if info, err := fs.file.Stat(); err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Error("failed to rotate audit file", "path", fs.cfg.Path, "error", err)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1 and reopens path.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}
	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", fs.cfg.Path, i), fmt.Sprintf("%s.%d", fs.cfg.Path, i+1))
	}
	_ = os.Rename(fs.cfg.Path, fs.cfg.Path+".1")
	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.cfg.Path, fs.cfg.MaxBackups+1))
	}

	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the file.
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
