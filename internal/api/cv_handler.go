package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"cvfolio/internal/api/middleware"
	"cvfolio/internal/cv"
	"cvfolio/internal/database"
	"cvfolio/internal/storage"
	"cvfolio/internal/tasks"
)

// CVHandler 负责简历及工作经历的增删改查、PDF 渲染入队与下载。
type CVHandler struct {
	db       *gorm.DB
	enqueuer Enqueuer
	store    storage.ObjectStore
	maxCVs   int
	now      func() time.Time
}

// NewCVHandler 构造 CVHandler。maxCVs 仅限制非会员用户，<=0 表示不限制。
func NewCVHandler(db *gorm.DB, enqueuer Enqueuer, store storage.ObjectStore, maxCVs int) *CVHandler {
	return &CVHandler{db: db, enqueuer: enqueuer, store: store, maxCVs: maxCVs, now: time.Now}
}

const defaultCVTitle = "My first CV"

type cvRequest struct {
	Title   string      `json:"title" binding:"required,max=255"`
	Theme   string      `json:"theme" binding:"omitempty,cvtheme"`
	Content *cv.Content `json:"content"`
}

type experienceResponse struct {
	ID          uint       `json:"id"`
	Title       string     `json:"title"`
	Company     string     `json:"company"`
	Location    string     `json:"location"`
	StartDate   time.Time  `json:"start_date"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Current     bool       `json:"current"`
	Description string     `json:"description"`
	Position    int        `json:"position"`
}

type cvResponse struct {
	ID              uint                 `json:"id"`
	Title           string               `json:"title"`
	Theme           string               `json:"theme"`
	Status          string               `json:"status"`
	Content         cv.Content           `json:"content"`
	Experiences     []experienceResponse `json:"experiences"`
	PreviewImageURL string               `json:"preview_image_url,omitempty"`
	PdfReady        bool                 `json:"pdf_ready"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

type cvListItem struct {
	ID              uint      `json:"id"`
	Title           string    `json:"title"`
	Theme           string    `json:"theme"`
	Status          string    `json:"status"`
	PreviewImageURL string    `json:"preview_image_url,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newExperienceResponse(e database.Experience) experienceResponse {
	return experienceResponse{
		ID:          e.ID,
		Title:       e.Title,
		Company:     e.Company,
		Location:    e.Location,
		StartDate:   e.StartDate,
		EndDate:     e.EndDate,
		Current:     e.Current,
		Description: e.Description,
		Position:    e.Position,
	}
}

func newCVResponse(model database.CV) (cvResponse, error) {
	content, err := cv.ParseContent(model.Content)
	if err != nil {
		return cvResponse{}, err
	}
	exps := make([]experienceResponse, 0, len(model.Experiences))
	for _, e := range model.Experiences {
		exps = append(exps, newExperienceResponse(e))
	}
	return cvResponse{
		ID:              model.ID,
		Title:           model.Title,
		Theme:           model.Theme,
		Status:          model.Status,
		Content:         content,
		Experiences:     exps,
		PreviewImageURL: model.PreviewImageURL,
		PdfReady:        model.PdfKey != "",
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}, nil
}

func (h *CVHandler) replyCV(c *gin.Context, status int, model database.CV) {
	resp, err := newCVResponse(model)
	if err != nil {
		loggerFrom(c).Error("decode cv content failed", "cv_id", model.ID, "error", err)
		Internal(c, "failed to decode cv")
		return
	}
	c.JSON(status, resp)
}

// respondLookupError 把 getCVForUser 的错误映射为 HTTP 响应。
func respondLookupError(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, errInvalidID):
		BadRequest(c, "invalid "+what+" id")
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, what+" not found")
	default:
		Internal(c, "failed to query "+what)
	}
}

// ListCVs 列出用户全部简历。
func (h *CVHandler) ListCVs(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	var cvs []database.CV
	if err := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&cvs).Error; err != nil {
		Internal(c, "failed to list cvs")
		return
	}

	items := make([]cvListItem, 0, len(cvs))
	for _, m := range cvs {
		items = append(items, cvListItem{
			ID:              m.ID,
			Title:           m.Title,
			Theme:           m.Theme,
			Status:          m.Status,
			PreviewImageURL: m.PreviewImageURL,
			UpdatedAt:       m.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, items)
}

// CreateCV 保存一份新简历；非会员超过限额时返回 403。
func (h *CVHandler) CreateCV(c *gin.Context) {
	var req cvRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	content := cv.DefaultContent()
	if req.Content != nil {
		content = *req.Content
	}
	if err := content.Validate(); err != nil {
		BadRequest(c, err.Error())
		return
	}

	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	var user database.User
	if err := h.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		Unauthorized(c)
		return
	}

	if h.maxCVs > 0 && !user.IsPremium(h.now()) {
		var count int64
		if err := h.db.WithContext(ctx).Model(&database.CV{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			Internal(c, "failed to count cvs")
			return
		}
		if count >= int64(h.maxCVs) {
			Forbidden(c, "cv limit reached, upgrade to premium for unlimited cvs")
			return
		}
	}

	raw, err := content.JSON()
	if err != nil {
		Internal(c, "failed to encode cv")
		return
	}
	theme := req.Theme
	if theme == "" {
		theme = cv.DefaultTheme
	}
	model := database.CV{
		Title:   strings.TrimSpace(req.Title),
		Content: raw,
		Theme:   theme,
		UserID:  userID,
		Status:  database.CVStatusDraft,
	}
	if err := h.db.WithContext(ctx).Create(&model).Error; err != nil {
		Internal(c, "failed to create cv")
		return
	}
	if err := h.setActiveCVID(ctx, userID, &model.ID); err != nil {
		Internal(c, "failed to mark active cv")
		return
	}

	h.replyCV(c, http.StatusCreated, model)
}

// GetLatestCV 返回当前编辑中的简历、最近一份简历，或默认模板。
func (h *CVHandler) GetLatestCV(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	model, err := h.findActiveOrLatestCV(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusOK, cvResponse{
				Title:       defaultCVTitle,
				Theme:       cv.DefaultTheme,
				Status:      database.CVStatusDraft,
				Content:     cv.DefaultContent(),
				Experiences: []experienceResponse{},
			})
			return
		}
		Internal(c, "failed to query latest cv")
		return
	}
	h.replyCV(c, http.StatusOK, *model)
}

// GetCV 返回指定简历并标记为当前正在编辑。
func (h *CVHandler) GetCV(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	model, err := h.getCVForUser(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondLookupError(c, err, "cv")
		return
	}
	if err := h.setActiveCVID(c.Request.Context(), userID, &model.ID); err != nil {
		Internal(c, "failed to mark active cv")
		return
	}
	h.replyCV(c, http.StatusOK, *model)
}

// UpdateCV 覆盖标题、主题与内容。内容变化后旧 PDF 仍可下载，直到重新渲染。
func (h *CVHandler) UpdateCV(c *gin.Context) {
	var req cvRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	model, err := h.getCVForUser(ctx, c.Param("id"), userID)
	if err != nil {
		respondLookupError(c, err, "cv")
		return
	}

	updates := map[string]any{"title": strings.TrimSpace(req.Title)}
	if req.Theme != "" {
		updates["theme"] = req.Theme
	}
	if req.Content != nil {
		if err := req.Content.Validate(); err != nil {
			BadRequest(c, err.Error())
			return
		}
		raw, err := req.Content.JSON()
		if err != nil {
			Internal(c, "failed to encode cv")
			return
		}
		updates["content"] = raw
	}

	if err := h.db.WithContext(ctx).Model(model).Updates(updates).Error; err != nil {
		Internal(c, "failed to update cv")
		return
	}
	if err := h.reload(ctx, model); err != nil {
		Internal(c, "failed to reload cv")
		return
	}
	if err := h.setActiveCVID(ctx, userID, &model.ID); err != nil {
		Internal(c, "failed to mark active cv")
		return
	}
	h.replyCV(c, http.StatusOK, *model)
}

// DeleteCV 删除简历及其工作经历和 PDF，并回落到最近一份。
func (h *CVHandler) DeleteCV(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	model, err := h.getCVForUser(ctx, c.Param("id"), userID)
	if err != nil {
		respondLookupError(c, err, "cv")
		return
	}

	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("cv_id = ?", model.ID).Delete(&database.Experience{}).Error; err != nil {
			return err
		}
		return tx.Delete(&database.CV{}, model.ID).Error
	})
	if err != nil {
		Internal(c, "failed to delete cv")
		return
	}

	log := loggerFrom(c)
	for _, key := range []string{model.PdfKey, storage.CVPreviewKey(model.ID)} {
		if key == "" {
			continue
		}
		if err := h.store.Delete(ctx, key); err != nil {
			log.Warn("delete cv object failed", "key", key, "error", err)
		}
	}

	if err := h.assignLatestCVAsActive(ctx, userID); err != nil {
		Internal(c, "failed to update active cv")
		return
	}
	c.Status(http.StatusNoContent)
}

// DownloadCV 将渲染任务入队并立即返回 202，完成后通过 WebSocket 通知。
func (h *CVHandler) DownloadCV(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	model, err := h.getCVForUser(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondLookupError(c, err, "cv")
		return
	}

	task, err := tasks.NewCVRenderTask(model.ID, userID, middleware.GetCorrelationID(c))
	if err != nil {
		Internal(c, "failed to create task")
		return
	}
	info, err := h.enqueuer.EnqueueContext(c.Request.Context(), task, asynq.MaxRetry(5), asynq.Timeout(2*time.Minute))
	if err != nil {
		loggerFrom(c).Error("enqueue cv render failed", "cv_id", model.ID, "error", err)
		Internal(c, "failed to enqueue pdf generation")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "PDF generation request accepted",
		"task_id": info.ID,
	})
}

// GetDownloadLink 生成 PDF 的预签名下载链接，PDF 未生成时返回 409。
func (h *CVHandler) GetDownloadLink(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	model, err := h.getCVForUser(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondLookupError(c, err, "cv")
		return
	}
	if model.PdfKey == "" {
		Conflict(c, "pdf not ready")
		return
	}

	signedURL, err := h.store.PresignGet(c.Request.Context(), model.PdfKey, 5*time.Minute, downloadFileName(model.Title))
	if err != nil {
		Internal(c, "failed to generate download link")
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": signedURL, "expires_in": 300})
}

// ListThemes 返回可用主题。
func (h *CVHandler) ListThemes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"themes": cv.Themes(), "default": cv.DefaultTheme})
}

func downloadFileName(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	name := b.String()
	if name == "" {
		name = "cv"
	}
	return name + ".pdf"
}

func (h *CVHandler) setActiveCVID(ctx context.Context, userID uint, cvID *uint) error {
	var value any
	if cvID != nil {
		value = *cvID
	}
	return h.db.WithContext(ctx).Model(&database.User{}).
		Where("id = ?", userID).
		Update("active_cv_id", value).Error
}

func (h *CVHandler) assignLatestCVAsActive(ctx context.Context, userID uint) error {
	var latest database.CV
	err := h.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		First(&latest).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return h.setActiveCVID(ctx, userID, nil)
	case err != nil:
		return err
	default:
		return h.setActiveCVID(ctx, userID, &latest.ID)
	}
}

func (h *CVHandler) findActiveOrLatestCV(ctx context.Context, userID uint) (*database.CV, error) {
	var user database.User
	if err := h.db.WithContext(ctx).Select("id", "active_cv_id").First(&user, userID).Error; err != nil {
		return nil, err
	}

	if user.ActiveCVID != nil {
		var model database.CV
		err := h.withExperiences(ctx).
			Where("id = ? AND user_id = ?", *user.ActiveCVID, userID).
			First(&model).Error
		if err == nil {
			return &model, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	var latest database.CV
	if err := h.withExperiences(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		First(&latest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			_ = h.setActiveCVID(ctx, userID, nil)
		}
		return nil, err
	}
	if err := h.setActiveCVID(ctx, userID, &latest.ID); err != nil {
		return nil, err
	}
	return &latest, nil
}

func (h *CVHandler) withExperiences(ctx context.Context) *gorm.DB {
	return h.db.WithContext(ctx).Preload("Experiences", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC").Order("id ASC")
	})
}

func (h *CVHandler) reload(ctx context.Context, model *database.CV) error {
	return h.withExperiences(ctx).First(model, model.ID).Error
}

func (h *CVHandler) getCVForUser(ctx context.Context, idParam string, userID uint) (*database.CV, error) {
	id, err := parseID(idParam)
	if err != nil {
		return nil, err
	}
	var model database.CV
	if err := h.withExperiences(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&model).Error; err != nil {
		return nil, err
	}
	return &model, nil
}

type experienceRequest struct {
	Title       string `json:"title" binding:"required,max=255"`
	Company     string `json:"company" binding:"max=255"`
	Location    string `json:"location" binding:"max=255"`
	StartDate   string `json:"start_date" binding:"required"`
	EndDate     string `json:"end_date"`
	Current     bool   `json:"current"`
	Description string `json:"description" binding:"max=5000"`
}

// parseMonthOrDate 接受 2006-01-02 或 2006-01。
func parseMonthOrDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM or YYYY-MM-DD", s)
}

func (r experienceRequest) apply(e *database.Experience) error {
	start, err := parseMonthOrDate(r.StartDate)
	if err != nil {
		return err
	}
	var end *time.Time
	if !r.Current && strings.TrimSpace(r.EndDate) != "" {
		t, err := parseMonthOrDate(r.EndDate)
		if err != nil {
			return err
		}
		if t.Before(start) {
			return errors.New("end_date must not be before start_date")
		}
		end = &t
	}
	e.Title = strings.TrimSpace(r.Title)
	e.Company = strings.TrimSpace(r.Company)
	e.Location = strings.TrimSpace(r.Location)
	e.StartDate = start
	e.EndDate = end
	e.Current = r.Current
	e.Description = r.Description
	return nil
}

// CreateExperience 在简历末尾追加一段工作经历。
func (h *CVHandler) CreateExperience(c *gin.Context) {
	var req experienceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	model, err := h.getCVForUser(ctx, c.Param("id"), userID)
	if err != nil {
		respondLookupError(c, err, "cv")
		return
	}

	exp := database.Experience{CVID: model.ID, Position: len(model.Experiences)}
	if err := req.apply(&exp); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if err := h.db.WithContext(ctx).Create(&exp).Error; err != nil {
		Internal(c, "failed to create experience")
		return
	}
	h.touch(ctx, model.ID)
	c.JSON(http.StatusCreated, newExperienceResponse(exp))
}

// UpdateExperience 覆盖一段工作经历。
func (h *CVHandler) UpdateExperience(c *gin.Context) {
	var req experienceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	exp, ok := h.experienceForRequest(c)
	if !ok {
		return
	}
	if err := req.apply(exp); err != nil {
		BadRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	if err := h.db.WithContext(ctx).Select("title", "company", "location", "start_date", "end_date", "current", "description").
		Updates(exp).Error; err != nil {
		Internal(c, "failed to update experience")
		return
	}
	h.touch(ctx, exp.CVID)
	c.JSON(http.StatusOK, newExperienceResponse(*exp))
}

// DeleteExperience 删除一段工作经历。
func (h *CVHandler) DeleteExperience(c *gin.Context) {
	exp, ok := h.experienceForRequest(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.db.WithContext(ctx).Delete(exp).Error; err != nil {
		Internal(c, "failed to delete experience")
		return
	}
	h.touch(ctx, exp.CVID)
	c.Status(http.StatusNoContent)
}

type reorderRequest struct {
	IDs []uint `json:"ids" binding:"required"`
}

// ReorderExperiences 按给定顺序重排，ids 必须恰好是该简历的全部经历。
func (h *CVHandler) ReorderExperiences(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	model, err := h.getCVForUser(ctx, c.Param("id"), userID)
	if err != nil {
		respondLookupError(c, err, "cv")
		return
	}

	existing := make(map[uint]bool, len(model.Experiences))
	for _, e := range model.Experiences {
		existing[e.ID] = true
	}
	seen := make(map[uint]bool, len(req.IDs))
	for _, id := range req.IDs {
		if !existing[id] || seen[id] {
			BadRequest(c, "ids must list every experience of the cv exactly once")
			return
		}
		seen[id] = true
	}
	if len(seen) != len(existing) {
		BadRequest(c, "ids must list every experience of the cv exactly once")
		return
	}

	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for pos, id := range req.IDs {
			if err := tx.Model(&database.Experience{}).Where("id = ? AND cv_id = ?", id, model.ID).
				Update("position", pos).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		Internal(c, "failed to reorder experiences")
		return
	}

	h.touch(ctx, model.ID)
	if err := h.reload(ctx, model); err != nil {
		Internal(c, "failed to reload cv")
		return
	}
	h.replyCV(c, http.StatusOK, *model)
}

func (h *CVHandler) experienceForRequest(c *gin.Context) (*database.Experience, bool) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return nil, false
	}
	ctx := c.Request.Context()

	model, err := h.getCVForUser(ctx, c.Param("id"), userID)
	if err != nil {
		respondLookupError(c, err, "cv")
		return nil, false
	}
	expID, err := parseID(c.Param("expId"))
	if err != nil {
		BadRequest(c, "invalid experience id")
		return nil, false
	}
	for i := range model.Experiences {
		if model.Experiences[i].ID == expID {
			return &model.Experiences[i], true
		}
	}
	NotFound(c, "experience not found")
	return nil, false
}

// touch 更新简历的 updated_at，使"最近编辑"排序生效。
func (h *CVHandler) touch(ctx context.Context, cvID uint) {
	_ = h.db.WithContext(ctx).Model(&database.CV{}).Where("id = ?", cvID).Update("updated_at", h.now().UTC()).Error
}
