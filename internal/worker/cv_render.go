// Package worker 实现 asynq 任务处理器：CV 渲染、支付对账、职位订阅源导入。
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"cvfolio/internal/cv"
	"cvfolio/internal/database"
	"cvfolio/internal/errcode"
	"cvfolio/internal/notify"
	"cvfolio/internal/pdf"
	"cvfolio/internal/storage"
	"cvfolio/internal/tasks"
)

// Publisher 推送用户通知。
type Publisher interface {
	Publish(ctx context.Context, userID uint, msg notify.Message) error
}

const (
	photoURLTTL   = 30 * time.Minute
	previewURLTTL = 7 * 24 * time.Hour
)

// CVRenderHandler 消费 cv:render 任务。
type CVRenderHandler struct {
	db        *gorm.DB
	store     storage.ObjectStore
	renderer  pdf.Renderer
	publisher Publisher
	logger    *slog.Logger

	finalAttempt func(context.Context) bool
}

func NewCVRenderHandler(db *gorm.DB, store storage.ObjectStore, renderer pdf.Renderer, publisher Publisher, logger *slog.Logger) *CVRenderHandler {
	return &CVRenderHandler{
		db:           db,
		store:        store,
		renderer:     renderer,
		publisher:    publisher,
		logger:       logger,
		finalAttempt: isFinalAsynqAttempt,
	}
}

// ProcessTask 实现 asynq.Handler。
func (h *CVRenderHandler) ProcessTask(ctx context.Context, t *asynq.Task) (retErr error) {
	payload, err := tasks.ParseCVRender(t)
	if err != nil {
		h.logger.Error("unmarshal task payload failed", slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	log := h.logger.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.Uint64("cv_id", uint64(payload.CVID)),
	)
	log.Info("starting cv render task")

	var model database.CV
	err = h.db.WithContext(ctx).
		Preload("Experiences", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&model, payload.CVID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("cv not found, skipping task")
			return nil
		}
		log.Error("query cv failed", slog.Any("error", err))
		return err
	}
	log = log.With(slog.Uint64("user_id", uint64(model.UserID)))

	defer func() {
		if retErr == nil {
			return
		}
		// 只在不会再重试时标记失败并通知。
		if !errors.Is(retErr, asynq.SkipRetry) && !h.finalAttempt(ctx) {
			return
		}
		if err := h.db.WithContext(ctx).Model(&model).Update("status", database.CVStatusFailed).Error; err != nil {
			log.Error("mark cv failed", slog.Any("error", err))
		}
		h.publish(ctx, log, model.UserID, notify.Message{
			Type:          notify.TypeCVRender,
			Status:        "error",
			CVID:          model.ID,
			CorrelationID: payload.CorrelationID,
			ErrorCode:     errcode.SystemError,
			ErrorMessage:  strings.TrimSpace(retErr.Error()),
		})
	}()

	if err := h.db.WithContext(ctx).Model(&model).Update("status", database.CVStatusRendering).Error; err != nil {
		return fmt.Errorf("mark cv rendering: %w", err)
	}

	doc, err := cv.FromModel(model)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	missingPhoto := h.attachPhoto(ctx, log, model.UserID, &doc)

	html, err := cv.RenderHTML(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	out, err := h.renderer.Render(ctx, html)
	if err != nil {
		log.Error("render pdf failed", slog.Any("error", err))
		return err
	}

	key := storage.GeneratedCVKey(model.UserID)
	if err := h.store.Put(ctx, key, bytes.NewReader(out.PDF), int64(len(out.PDF)), "application/pdf"); err != nil {
		log.Error("upload pdf failed", slog.Any("error", err))
		return err
	}

	previousKey := model.PdfKey
	if err := h.db.WithContext(ctx).Model(&model).Updates(map[string]any{
		"pdf_key": key,
		"status":  database.CVStatusReady,
	}).Error; err != nil {
		log.Error("update cv failed", slog.Any("error", err))
		return err
	}
	if previousKey != "" && previousKey != key {
		if err := h.store.Delete(ctx, previousKey); err != nil {
			log.Warn("delete previous pdf failed", slog.String("key", previousKey), slog.Any("error", err))
		}
	}

	if len(out.Preview) > 0 {
		if err := h.storePreview(ctx, &model, out.Preview); err != nil {
			log.Warn("store cv preview failed", slog.Any("error", err))
		}
	}

	msg := notify.Message{
		Type:          notify.TypeCVRender,
		Status:        "completed",
		CVID:          model.ID,
		CorrelationID: payload.CorrelationID,
		ErrorCode:     errcode.OK,
	}
	if missingPhoto {
		msg.ErrorCode = errcode.ResourceMissing
		msg.ErrorMessage = "profile photo is missing, the cv was rendered without it"
	}
	h.publish(ctx, log, model.UserID, msg)

	log.Info("cv render task completed", slog.String("pdf_key", key))
	return nil
}

// attachPhoto 为头像生成短期链接；头像不存在时返回 true，渲染继续。
func (h *CVRenderHandler) attachPhoto(ctx context.Context, log *slog.Logger, userID uint, doc *cv.Document) bool {
	key := strings.TrimSpace(doc.Content.Personal.PhotoKey)
	if key == "" {
		return false
	}
	if !storage.OwnsKey(userID, key) {
		log.Warn("cv photo key outside user prefix, ignored", slog.String("key", key))
		return true
	}
	url, err := h.store.PresignGet(ctx, key, photoURLTTL, "")
	if err != nil {
		log.Warn("presign cv photo failed", slog.String("key", key), slog.Any("error", err))
		return true
	}
	doc.PhotoURL = url
	return false
}

func (h *CVRenderHandler) storePreview(ctx context.Context, model *database.CV, preview []byte) error {
	key := storage.CVPreviewKey(model.ID)
	if err := h.store.Put(ctx, key, bytes.NewReader(preview), int64(len(preview)), "image/jpeg"); err != nil {
		return fmt.Errorf("upload preview image: %w", err)
	}
	url, err := h.store.PresignGet(ctx, key, previewURLTTL, "")
	if err != nil {
		return fmt.Errorf("presign preview image: %w", err)
	}
	if err := h.db.WithContext(ctx).Model(model).Update("preview_image_url", url).Error; err != nil {
		return fmt.Errorf("update cv preview url: %w", err)
	}
	return nil
}

func (h *CVRenderHandler) publish(ctx context.Context, log *slog.Logger, userID uint, msg notify.Message) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, userID, msg); err != nil {
		log.Error("publish notification failed", slog.Any("error", err))
	}
}

func isFinalAsynqAttempt(ctx context.Context) bool {
	retryCount, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return false
	}
	return retryCount >= maxRetry
}
