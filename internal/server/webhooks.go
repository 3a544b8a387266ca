package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"codor/internal/config"
	"codor/internal/domain"
	"codor/internal/logging"
	"codor/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookOptions configures the ledger event dispatcher.
type WebhookOptions struct {
	Repo     repo.Repo
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Log      *zap.Logger
	// FromStart delivers events already in the ledger; otherwise each hook
	// starts at the current head.
	FromStart bool
}

type webhookDispatcher struct {
	repo      repo.Repo
	webhooks  []config.WebhookConfig
	client    *http.Client
	log       *zap.Logger
	fromStart bool
	mu        sync.Mutex
	cursors   map[int]int64
}

// StartWebhooks polls the ledger and posts new events to every enabled hook
// until ctx is cancelled. The returned channel closes when the dispatcher
// has stopped. With no enabled hooks it is already closed.
func StartWebhooks(ctx context.Context, opts WebhookOptions) <-chan struct{} {
	done := make(chan struct{})
	if !anyEnabled(opts.Webhooks) {
		close(done)
		return done
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	d := &webhookDispatcher{
		repo:      opts.Repo,
		webhooks:  opts.Webhooks,
		client:    &http.Client{Timeout: defaultWebhookTimeout},
		log:       logging.OrNop(opts.Log).Named("webhooks"),
		fromStart: opts.FromStart,
		cursors:   make(map[int]int64),
	}
	go func() {
		defer close(done)
		d.run(ctx, interval)
	}()
	return done
}

func anyEnabled(hooks []config.WebhookConfig) bool {
	for _, hook := range hooks {
		if hookEnabled(hook) {
			return true
		}
	}
	return false
}

func hookEnabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

func (d *webhookDispatcher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if ctx.Err() != nil {
			return
		}
		if !hookEnabled(hook) {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	events, err := d.repo.ListEvents(ctx, repo.EventFilters{After: cursor, Limit: defaultWebhookBatch})
	if err != nil {
		d.log.Warn("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.Seq)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			// Retried from the same cursor on the next tick.
			d.log.Warn("delivery failed", zap.String("url", hook.URL), zap.Int64("seq", evt.Seq), zap.Error(err))
			return
		}
		d.log.Debug("delivered", zap.String("url", hook.URL), zap.Int64("seq", evt.Seq), zap.String("type", evt.Type))
		d.setCursor(idx, evt.Seq)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	var cur int64
	if !d.fromStart {
		var err error
		cur, err = d.repo.LatestSeq(ctx)
		if err != nil {
			d.log.Warn("init cursor failed", zap.Error(err))
			return 0, false
		}
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	Seq      int64  `json:"seq"`
	Type     string `json:"type"`
	RunID    string `json:"run_id"`
	TaskID   string `json:"task_id,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	Path     string `json:"path"`
	Digest   string `json:"digest"`
	Hash     string `json:"hash"`
	TS       string `json:"ts"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.LedgerEvent) error {
	data, err := json.Marshal(webhookEvent{
		Seq:      evt.Seq,
		Type:     evt.Type,
		RunID:    evt.RunID,
		TaskID:   evt.TaskID,
		EntityID: evt.EntityID,
		Path:     evt.Path,
		Digest:   evt.Digest,
		Hash:     evt.Hash,
		TS:       evt.TS,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Codor-Event", evt.Type)
	req.Header.Set("X-Codor-Delivery", fmt.Sprintf("%d", evt.Seq))
	req.Header.Set("X-Codor-Run", evt.RunID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Codor-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
