package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/notify"
)

var ErrChannelNotFound = errors.New("notification channel not found")

// Sender posts a message to one channel. *notify.Notifier implements it.
type Sender interface {
	Send(ctx context.Context, channelType, url, secret string, msg notify.Message) error
	Test(ctx context.Context, channelType, url string) error
}

type NotificationService struct {
	db      *database.DB
	crypto  *CryptoService
	sender  Sender
	logger  zerolog.Logger
	timeout time.Duration
}

func NewNotificationService(db *database.DB, crypto *CryptoService, sender Sender, timeout time.Duration, logger zerolog.Logger) *NotificationService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NotificationService{
		db:      db,
		crypto:  crypto,
		sender:  sender,
		timeout: timeout,
		logger:  logger.With().Str("component", "notifications").Logger(),
	}
}

const channelColumns = `id, name, type, webhook_url, enabled, notify_on_failure, notify_on_recovery, events, created_at, updated_at`

func (s *NotificationService) scan(row scanner) (*models.NotificationChannel, error) {
	var ch models.NotificationChannel
	var events sql.NullString
	var url string
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Type, &url, &ch.Enabled, &ch.NotifyOnFailure,
		&ch.NotifyOnRecovery, &events, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
		return nil, err
	}
	if err := fromJSON(events, &ch.Events); err != nil {
		return nil, err
	}
	plain, err := s.crypto.Decrypt(url)
	if err != nil {
		return nil, err
	}
	ch.WebhookURL = plain
	return &ch, nil
}

func (s *NotificationService) Create(req models.CreateChannelRequest) (*models.NotificationChannel, error) {
	url, err := s.crypto.Encrypt(req.WebhookURL)
	if err != nil {
		return nil, err
	}
	events, err := toJSON(req.Events)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO notification_channels (name, type, webhook_url, enabled, notify_on_failure, notify_on_recovery, events, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Name, req.Type, url, boolOr(req.Enabled, true), boolOr(req.NotifyOnFailure, true),
		boolOr(req.NotifyOnRecovery, true), events, now, now)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.Get(id)
}

func (s *NotificationService) Get(id int64) (*models.NotificationChannel, error) {
	ch, err := s.scan(s.db.QueryRow("SELECT "+channelColumns+" FROM notification_channels WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	return ch, err
}

func (s *NotificationService) List() ([]*models.NotificationChannel, error) {
	return s.query("SELECT " + channelColumns + " FROM notification_channels ORDER BY name")
}

func (s *NotificationService) query(q string, args ...any) ([]*models.NotificationChannel, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.NotificationChannel, 0)
	for rows.Next() {
		ch, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *NotificationService) Update(id int64, req models.UpdateChannelRequest) (*models.NotificationChannel, error) {
	ch, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		ch.Name = *req.Name
	}
	if req.WebhookURL != nil {
		ch.WebhookURL = *req.WebhookURL
	}
	if req.Events != nil {
		ch.Events = req.Events
	}
	ch.Enabled = boolOr(req.Enabled, ch.Enabled)
	ch.NotifyOnFailure = boolOr(req.NotifyOnFailure, ch.NotifyOnFailure)
	ch.NotifyOnRecovery = boolOr(req.NotifyOnRecovery, ch.NotifyOnRecovery)

	url, err := s.crypto.Encrypt(ch.WebhookURL)
	if err != nil {
		return nil, err
	}
	events, err := toJSON(ch.Events)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`
		UPDATE notification_channels SET name = ?, webhook_url = ?, enabled = ?, notify_on_failure = ?,
			notify_on_recovery = ?, events = ?, updated_at = ? WHERE id = ?`,
		ch.Name, url, ch.Enabled, ch.NotifyOnFailure, ch.NotifyOnRecovery, events, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *NotificationService) Delete(id int64) error {
	res, err := s.db.Exec("DELETE FROM notification_channels WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// Test posts a test message to the channel. Non-2xx responses are errors.
func (s *NotificationService) Test(ctx context.Context, id int64) error {
	ch, err := s.Get(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.sender.Test(ctx, ch.Type, ch.WebhookURL)
}

// Dispatch sends msg to every enabled channel subscribed to its event.
// Delivery errors are logged, the count of successful sends is returned.
func (s *NotificationService) Dispatch(ctx context.Context, msg notify.Message) int {
	channels, err := s.query("SELECT "+channelColumns+" FROM notification_channels WHERE enabled = ?", true)
	if err != nil {
		s.logger.Error().Err(err).Str("event", msg.Event).Msg("load channels")
		return 0
	}
	targets := channels[:0]
	for _, ch := range channels {
		if ch.Subscribed(msg.Event) {
			targets = append(targets, ch)
		}
	}
	return s.sendAll(ctx, targets, msg)
}

// NotifyHealthCheck sends a health check failure or recovery to the check's
// linked channels, honoring each channel's failure and recovery switches.
func (s *NotificationService) NotifyHealthCheck(ctx context.Context, channelIDs []int64, recovered bool, msg notify.Message) int {
	targets := make([]*models.NotificationChannel, 0, len(channelIDs))
	for _, id := range channelIDs {
		ch, err := s.Get(id)
		if err != nil {
			s.logger.Warn().Err(err).Int64("channel_id", id).Msg("skip channel")
			continue
		}
		if !ch.Enabled {
			continue
		}
		if recovered && !ch.NotifyOnRecovery || !recovered && !ch.NotifyOnFailure {
			continue
		}
		targets = append(targets, ch)
	}
	return s.sendAll(ctx, targets, msg)
}

// DispatchAsync is Dispatch detached from the caller's lifetime.
func (s *NotificationService) DispatchAsync(msg notify.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.timeout)
		defer cancel()
		s.Dispatch(ctx, msg)
	}()
}

func (s *NotificationService) sendAll(ctx context.Context, targets []*models.NotificationChannel, msg notify.Message) int {
	if len(targets) == 0 {
		return 0
	}
	sent := make([]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, ch := range targets {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, s.timeout)
			defer cancel()
			if err := s.sender.Send(cctx, ch.Type, ch.WebhookURL, "", msg); err != nil {
				s.logger.Warn().Err(err).Int64("channel_id", ch.ID).Str("event", msg.Event).Msg("notification failed")
				return nil
			}
			sent[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range sent {
		if ok {
			n++
		}
	}
	return n
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
