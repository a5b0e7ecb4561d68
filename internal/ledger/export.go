package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// SignatureHeader carries the payer wallet's signature over the exported batch
const SignatureHeader = "X-Ledger-Signature"

// Signer signs export payloads
type Signer interface {
	Sign(payload []byte) (string, error)
}

// ExporterConfig holds configuration for ledger exporting
type ExporterConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	BatchSize      int           `json:"batch_size" yaml:"batch_size"`
	ExportInterval time.Duration `json:"export_interval" yaml:"export_interval"`
	WebhookURL     string        `json:"webhook_url" yaml:"webhook_url"`
	WebhookAPIKey  string        `json:"-" yaml:"webhook_api_key"`
}

// Exporter batches ledger entries and posts them to a webhook
type Exporter struct {
	config     ExporterConfig
	httpClient *http.Client
	signer     Signer

	mutex      sync.Mutex
	batch      []Entry
	lastExport time.Time
	exported   int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewExporter creates an exporter; call Start to begin periodic exports
func NewExporter(config ExporterConfig) *Exporter {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.ExportInterval <= 0 {
		config.ExportInterval = time.Minute
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.Logger = nil
	client := rc.StandardClient()
	client.Timeout = 10 * time.Second

	return &Exporter{
		config:     config,
		httpClient: client,
		batch:      make([]Entry, 0, config.BatchSize),
	}
}

// WithSigner signs every exported batch
func (e *Exporter) WithSigner(s Signer) *Exporter {
	e.signer = s
	return e
}

// WithHTTPClient overrides the webhook client
func (e *Exporter) WithHTTPClient(c *http.Client) *Exporter {
	e.httpClient = c
	return e
}

// Add queues an entry; a full batch is exported immediately
func (e *Exporter) Add(entry Entry) {
	if !e.config.Enabled {
		return
	}

	e.mutex.Lock()
	e.batch = append(e.batch, entry)
	full := len(e.batch) >= e.config.BatchSize
	e.mutex.Unlock()

	if full {
		go func() {
			if err := e.Flush(context.Background()); err != nil {
				logrus.WithError(err).Error("Failed to export ledger batch")
			}
		}()
	}
}

// Start runs periodic exports until Stop is called
func (e *Exporter) Start() {
	if !e.config.Enabled || e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.config.ExportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.Flush(ctx); err != nil {
					logrus.WithError(err).Error("Failed to export ledger batch")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	logrus.WithField("webhook", e.config.WebhookURL).Info("Ledger exporter started")
}

// Stop halts periodic exports and flushes what is left
func (e *Exporter) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
		e.cancel = nil
	}
	return e.Flush(ctx)
}

// Flush exports the current batch. On failure the entries are requeued.
func (e *Exporter) Flush(ctx context.Context) error {
	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return nil
	}
	entries := e.batch
	e.batch = make([]Entry, 0, e.config.BatchSize)
	e.mutex.Unlock()

	if err := e.exportToWebhook(ctx, entries); err != nil {
		e.mutex.Lock()
		e.batch = append(entries, e.batch...)
		e.mutex.Unlock()
		return err
	}

	e.mutex.Lock()
	e.lastExport = time.Now()
	e.exported += len(entries)
	e.mutex.Unlock()
	logrus.WithField("count", len(entries)).Info("Exported ledger entries")
	return nil
}

func (e *Exporter) exportToWebhook(ctx context.Context, entries []Entry) error {
	if e.config.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	exportData := struct {
		Entries    []Entry `json:"entries"`
		ExportTime string  `json:"export_time"`
		Count      int     `json:"count"`
	}{
		Entries:    entries,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(entries),
	}

	jsonData, err := json.Marshal(exportData)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entries: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.WebhookAPIKey)
	}
	if e.signer != nil {
		sig, err := e.signer.Sign(jsonData)
		if err != nil {
			return err
		}
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Status reports exporter state for /status
func (e *Exporter) Status() map[string]interface{} {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	status := map[string]interface{}{
		"enabled":         e.config.Enabled,
		"batch_size":      e.config.BatchSize,
		"export_interval": e.config.ExportInterval.String(),
		"pending":         len(e.batch),
		"exported":        e.exported,
		"signed":          e.signer != nil,
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.Format(time.RFC3339)
	}
	return status
}
