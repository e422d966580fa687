package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sender is the registry surface notifications are published through.
type Sender interface {
	Broadcast(payload any) int
	SendToUser(userID string, payload any) int
	Count() int
}

// Config configures the Notifier.
type Config struct {
	BatchSize     int           // Audit rows per insert batch
	FlushInterval time.Duration // Interval between audit flushes
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 1 * time.Second,
	}
}

// auditRow is one recorded delivery.
type auditRow struct {
	ID        uuid.UUID
	UserID    string // empty for broadcasts
	Payload   []byte
	Delivered int
	CreatedAt time.Time
}

// Notifier publishes notifications and records deliveries.
type Notifier struct {
	cfg    Config
	logger *slog.Logger
	sender Sender
	db     *pgxpool.Pool // nil disables the audit trail

	// Batching
	batchMu     sync.Mutex
	batch       []auditRow
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Notifier. A nil db disables the audit trail.
func New(cfg Config, sender Sender, db *pgxpool.Pool, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		logger: logger,
		sender: sender,
		db:     db,
		batch:  make([]auditRow, 0, cfg.BatchSize),
	}
}

// Start begins the periodic audit flush.
func (n *Notifier) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.flushTicker = time.NewTicker(n.cfg.FlushInterval)

	n.wg.Add(1)
	go n.flushLoop()

	n.logger.Info("notifier started",
		"batch_size", n.cfg.BatchSize,
		"flush_interval", n.cfg.FlushInterval,
		"audit_enabled", n.db != nil,
	)
	return nil
}

// Stop shuts the notifier down and flushes any buffered audit rows.
func (n *Notifier) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.flushTicker != nil {
		n.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		n.logger.Warn("notifier stop timed out")
	}

	n.flush()
	n.logger.Info("notifier stopped")
	return nil
}

// Broadcast publishes a payload to every authenticated connection and
// returns the delivered count.
func (n *Notifier) Broadcast(payload any) int {
	delivered := n.sender.Broadcast(payload)
	n.record("", payload, delivered)
	n.logger.Debug("broadcast published",
		"delivered", delivered,
		"connected", n.sender.Count(),
	)
	return delivered
}

// NotifyUser publishes a payload to every connection bound to userID
// and returns the delivered count.
func (n *Notifier) NotifyUser(userID string, payload any) int {
	delivered := n.sender.SendToUser(userID, payload)
	n.record(userID, payload, delivered)
	n.logger.Debug("targeted notification published",
		"user_id", userID,
		"delivered", delivered,
	)
	return delivered
}

// record buffers one audit row, flushing when the batch fills.
func (n *Notifier) record(userID string, payload any, delivered int) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("cannot encode audit payload", "error", err)
		return
	}

	n.batchMu.Lock()
	n.batch = append(n.batch, auditRow{
		ID:        uuid.New(),
		UserID:    userID,
		Payload:   data,
		Delivered: delivered,
		CreatedAt: time.Now().UTC(),
	})
	full := len(n.batch) >= n.cfg.BatchSize
	n.batchMu.Unlock()

	if full {
		n.flush()
	}
}

// flushLoop flushes buffered rows on the ticker.
func (n *Notifier) flushLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.flushTicker.C:
			n.flush()
		}
	}
}

// flush writes buffered audit rows in a single batch. Failures are
// logged; the audit trail is best-effort and never blocks delivery.
func (n *Notifier) flush() {
	n.batchMu.Lock()
	rows := n.batch
	n.batch = make([]auditRow, 0, n.cfg.BatchSize)
	n.batchMu.Unlock()

	if len(rows) == 0 || n.db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, r := range rows {
		var userID any
		if r.UserID != "" {
			userID = r.UserID
		}
		batch.Queue(
			`INSERT INTO realtime_notifications (id, user_id, payload, delivered, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			r.ID, userID, r.Payload, r.Delivered, r.CreatedAt,
		)
	}

	br := n.db.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			n.logger.Warn("audit batch insert failed",
				"rows", len(rows),
				"error", err,
			)
			return
		}
	}

	n.logger.Debug("audit batch flushed", "rows", len(rows))
}
