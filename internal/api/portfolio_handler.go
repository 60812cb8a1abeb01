package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"cvfolio/internal/database"
	"cvfolio/internal/storage"
)

const portfolioViewsKeyPrefix = "portfolio:views:"

// PortfolioHandler 管理用户的公开作品集。
type PortfolioHandler struct {
	db    *gorm.DB
	redis redis.UniversalClient
}

func NewPortfolioHandler(db *gorm.DB, redisClient redis.UniversalClient) *PortfolioHandler {
	return &PortfolioHandler{db: db, redis: redisClient}
}

type portfolioLink struct {
	Label string `json:"label" binding:"required,max=64"`
	URL   string `json:"url" binding:"required,url,max=512"`
}

type portfolioProject struct {
	Title       string `json:"title" binding:"required,max=255"`
	Description string `json:"description" binding:"max=5000"`
	URL         string `json:"url" binding:"omitempty,url,max=512"`
	ImageKey    string `json:"image_key" binding:"max=255"`
}

type portfolioRequest struct {
	Slug     string             `json:"slug" binding:"required,slug"`
	Headline string             `json:"headline" binding:"max=255"`
	Bio      string             `json:"bio" binding:"max=10000"`
	Theme    string             `json:"theme" binding:"omitempty,oneof=minimal classic modern"`
	Links    []portfolioLink    `json:"links" binding:"max=20,dive"`
	Projects []portfolioProject `json:"projects" binding:"max=50,dive"`
}

type portfolioResponse struct {
	Slug      string             `json:"slug"`
	Headline  string             `json:"headline"`
	Bio       string             `json:"bio"`
	Theme     string             `json:"theme"`
	Links     []portfolioLink    `json:"links"`
	Projects  []portfolioProject `json:"projects"`
	Published bool               `json:"published"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type publicPortfolioResponse struct {
	portfolioResponse
	OwnerName     string `json:"owner_name"`
	LatestCVTitle string `json:"latest_cv_title,omitempty"`
	Views         int64  `json:"views"`
}

func newPortfolioResponse(p database.Portfolio) (portfolioResponse, error) {
	resp := portfolioResponse{
		Slug:      p.Slug,
		Headline:  p.Headline,
		Bio:       p.Bio,
		Theme:     p.Theme,
		Links:     []portfolioLink{},
		Projects:  []portfolioProject{},
		Published: p.Published,
		UpdatedAt: p.UpdatedAt,
	}
	if len(p.Links) > 0 {
		if err := json.Unmarshal(p.Links, &resp.Links); err != nil {
			return resp, fmt.Errorf("decode links: %w", err)
		}
	}
	if len(p.Projects) > 0 {
		if err := json.Unmarshal(p.Projects, &resp.Projects); err != nil {
			return resp, fmt.Errorf("decode projects: %w", err)
		}
	}
	return resp, nil
}

func jsonColumn(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// UpsertPortfolio 创建或覆盖当前用户的作品集。slug 冲突返回 409。
func (h *PortfolioHandler) UpsertPortfolio(c *gin.Context) {
	var req portfolioRequest
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

	if req.Links == nil {
		req.Links = []portfolioLink{}
	}
	if req.Projects == nil {
		req.Projects = []portfolioProject{}
	}
	for _, p := range req.Projects {
		if p.ImageKey != "" && !storage.OwnsKey(userID, p.ImageKey) {
			Forbidden(c, "image_key does not belong to user")
			return
		}
	}
	links, err := jsonColumn(req.Links)
	if err != nil {
		Internal(c, "failed to encode links")
		return
	}
	projects, err := jsonColumn(req.Projects)
	if err != nil {
		Internal(c, "failed to encode projects")
		return
	}
	theme := req.Theme
	if theme == "" {
		theme = "minimal"
	}

	var portfolio database.Portfolio
	status := http.StatusOK
	err = h.db.WithContext(ctx).Where("user_id = ?", userID).First(&portfolio).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		portfolio = database.Portfolio{UserID: userID}
		status = http.StatusCreated
	case err != nil:
		Internal(c, "failed to query portfolio")
		return
	}

	portfolio.Slug = req.Slug
	portfolio.Headline = strings.TrimSpace(req.Headline)
	portfolio.Bio = req.Bio
	portfolio.Theme = theme
	portfolio.Links = links
	portfolio.Projects = projects

	if err := h.db.WithContext(ctx).Omit("User").Save(&portfolio).Error; err != nil {
		if isUniqueViolation(err) {
			Conflict(c, "slug already taken")
			return
		}
		Internal(c, "failed to save portfolio")
		return
	}
	h.reply(c, status, portfolio)
}

// GetMyPortfolio 返回当前用户的作品集。
func (h *PortfolioHandler) GetMyPortfolio(c *gin.Context) {
	portfolio, ok := h.mine(c)
	if !ok {
		return
	}
	h.reply(c, http.StatusOK, *portfolio)
}

// PublishPortfolio 公开作品集。
func (h *PortfolioHandler) PublishPortfolio(c *gin.Context) { h.setPublished(c, true) }

// UnpublishPortfolio 取消公开。
func (h *PortfolioHandler) UnpublishPortfolio(c *gin.Context) { h.setPublished(c, false) }

func (h *PortfolioHandler) setPublished(c *gin.Context, published bool) {
	portfolio, ok := h.mine(c)
	if !ok {
		return
	}
	if err := h.db.WithContext(c.Request.Context()).Model(portfolio).Update("published", published).Error; err != nil {
		Internal(c, "failed to update portfolio")
		return
	}
	portfolio.Published = published
	h.reply(c, http.StatusOK, *portfolio)
}

// GetPublicPortfolio 匿名访问已发布的作品集，并累加浏览量。
func (h *PortfolioHandler) GetPublicPortfolio(c *gin.Context) {
	slug := strings.ToLower(c.Param("slug"))
	if !isSlug(slug) {
		NotFound(c, "portfolio not found")
		return
	}
	ctx := c.Request.Context()

	var portfolio database.Portfolio
	if err := h.db.WithContext(ctx).Preload("User").
		Where("slug = ? AND published = ?", slug, true).
		First(&portfolio).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, "portfolio not found")
			return
		}
		Internal(c, "failed to query portfolio")
		return
	}

	base, err := newPortfolioResponse(portfolio)
	if err != nil {
		Internal(c, "failed to decode portfolio")
		return
	}
	resp := publicPortfolioResponse{portfolioResponse: base, OwnerName: portfolio.User.FullName}

	var latest database.CV
	if err := h.db.WithContext(ctx).Select("id", "title").
		Where("user_id = ?", portfolio.UserID).
		Order("updated_at DESC").
		First(&latest).Error; err == nil {
		resp.LatestCVTitle = latest.Title
	}

	views, err := h.redis.Incr(ctx, fmt.Sprintf("%s%d", portfolioViewsKeyPrefix, portfolio.ID)).Result()
	if err != nil {
		loggerFrom(c).Warn("portfolio view counter failed", "portfolio_id", portfolio.ID, "error", err)
	}
	resp.Views = views

	c.JSON(http.StatusOK, resp)
}

func (h *PortfolioHandler) mine(c *gin.Context) (*database.Portfolio, bool) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return nil, false
	}
	var portfolio database.Portfolio
	if err := h.db.WithContext(c.Request.Context()).Where("user_id = ?", userID).First(&portfolio).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, "portfolio not found")
			return nil, false
		}
		Internal(c, "failed to query portfolio")
		return nil, false
	}
	return &portfolio, true
}

func (h *PortfolioHandler) reply(c *gin.Context, status int, p database.Portfolio) {
	resp, err := newPortfolioResponse(p)
	if err != nil {
		Internal(c, "failed to decode portfolio")
		return
	}
	c.JSON(status, resp)
}
