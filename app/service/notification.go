package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/factory"
	"github.com/vibast-solutions/ms-go-wallets/config"
)

type notificationRepository interface {
	Create(ctx context.Context, notification *entity.Notification) error
	Update(ctx context.Context, notification *entity.Notification) error
	ListDue(ctx context.Context, now time.Time, limit int32) ([]*entity.Notification, error)
}

// NotificationService is the outbox: ledger transitions enqueue rows and the
// dispatch job delivers them to the notifications service.
type NotificationService struct {
	repo      notificationRepository
	cfg       config.NotificationsConfig
	appAPIKey string
	batchSize int32
	client    *resty.Client
	logger    logrus.FieldLogger
}

func NewNotificationService(repo notificationRepository, cfg config.NotificationsConfig, appAPIKey string, batchSize int32) *NotificationService {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &NotificationService{
		repo:      repo,
		cfg:       cfg,
		appAPIKey: strings.TrimSpace(appAPIKey),
		batchSize: batchSize,
		client:    resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		logger:    factory.NewModuleLogger("notifications"),
	}
}

// Enqueue never fails the caller; a lost notification must not undo a ledger write.
func (s *NotificationService) Enqueue(ctx context.Context, userID, kind string, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithField("kind", kind).Warn("Notification payload encode failed")
		return
	}

	now := time.Now().UTC()
	item := &entity.Notification{
		UserID:         userID,
		Kind:           kind,
		PayloadJSON:    string(body),
		DeliveryStatus: entity.NotificationDeliveryPending,
		NextAttemptAt:  &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, item); err != nil {
		s.logger.WithError(err).WithField("kind", kind).Warn("Notification enqueue failed")
	}
}

func (s *NotificationService) RunDispatchBatch(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	items, err := s.repo.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	var firstErr error
	processed := 0
	for _, item := range items {
		if item == nil {
			continue
		}
		processed++
		if err := s.dispatch(ctx, item, now); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return processed, firstErr
}

func (s *NotificationService) dispatch(ctx context.Context, item *entity.Notification, now time.Time) error {
	if strings.TrimSpace(s.cfg.URL) == "" {
		errMsg := "notifications url is not configured"
		item.DeliveryStatus = entity.NotificationDeliveryFailed
		item.NextAttemptAt = nil
		item.LastError = &errMsg
		item.UpdatedAt = now
		return s.repo.Update(ctx, item)
	}

	payload := map[string]interface{}{
		"id":     item.ID,
		"userId": item.UserID,
		"kind":   item.Kind,
		"data":   json.RawMessage(item.PayloadJSON),
	}

	req := s.client.R().SetContext(ctx).SetBody(payload)
	if s.appAPIKey != "" {
		req.SetHeader("X-API-Key", s.appAPIKey)
	}
	resp, err := req.Post(s.cfg.URL)
	if err != nil {
		return s.recordFailure(ctx, item, now, err)
	}
	if resp.IsError() {
		return s.recordFailure(ctx, item, now, fmt.Errorf("notifications endpoint returned status=%d", resp.StatusCode()))
	}

	item.DeliveryStatus = entity.NotificationDeliverySuccess
	item.NextAttemptAt = nil
	item.LastError = nil
	item.UpdatedAt = now
	return s.repo.Update(ctx, item)
}

func (s *NotificationService) recordFailure(ctx context.Context, item *entity.Notification, now time.Time, dispatchErr error) error {
	item.DeliveryAttempts++
	trimmed := truncate(dispatchErr.Error(), 1024)
	item.LastError = &trimmed

	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if item.DeliveryAttempts >= maxAttempts {
		item.DeliveryStatus = entity.NotificationDeliveryFailed
		item.NextAttemptAt = nil
	} else {
		retryInterval := s.cfg.RetryInterval
		if retryInterval <= 0 {
			retryInterval = 5 * time.Minute
		}
		next := now.Add(retryInterval)
		item.DeliveryStatus = entity.NotificationDeliveryPending
		item.NextAttemptAt = &next
	}
	item.UpdatedAt = now

	if err := s.repo.Update(ctx, item); err != nil {
		return err
	}
	return dispatchErr
}
