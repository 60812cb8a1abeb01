package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"cvfolio/internal/database"
)

var errPartnerCodeTaken = errors.New("partner code already registered")

// PartnerHandler 管理 APIDCA 合作机构，仅管理员可用。
type PartnerHandler struct {
	db *gorm.DB
}

func NewPartnerHandler(db *gorm.DB) *PartnerHandler {
	return &PartnerHandler{db: db}
}

type partnerRequest struct {
	Name         string `json:"name" binding:"required,max=255"`
	Code         string `json:"code" binding:"required,max=32"`
	ContactEmail string `json:"contact_email" binding:"omitempty,email,max=255"`
	Country      string `json:"country" binding:"omitempty,len=2"`
}

type partnerResponse struct {
	ID             uint      `json:"id"`
	Name           string    `json:"name"`
	Code           string    `json:"code"`
	ContactEmail   string    `json:"contact_email,omitempty"`
	Country        string    `json:"country,omitempty"`
	RegisteredByID uint      `json:"registered_by_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func newPartnerResponse(p database.Partner) partnerResponse {
	return partnerResponse{
		ID:             p.ID,
		Name:           p.Name,
		Code:           p.Code,
		ContactEmail:   p.ContactEmail,
		Country:        p.Country,
		RegisteredByID: p.RegisteredByID,
		CreatedAt:      p.CreatedAt,
	}
}

// normalizePartnerCode 去空白并转大写。
func normalizePartnerCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreatePartner 登记合作机构。查重与插入在同一事务内，唯一索引兜底并发。
func (h *PartnerHandler) CreatePartner(c *gin.Context) {
	var req partnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	code := normalizePartnerCode(req.Code)
	if code == "" {
		BadRequest(c, "code is required")
		return
	}
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	partner := database.Partner{
		Name:           strings.TrimSpace(req.Name),
		Code:           code,
		ContactEmail:   strings.ToLower(strings.TrimSpace(req.ContactEmail)),
		Country:        strings.ToUpper(req.Country),
		RegisteredByID: userID,
	}
	err := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Unscoped().Model(&database.Partner{}).Where("code = ?", code).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return errPartnerCodeTaken
		}
		return tx.Create(&partner).Error
	})
	if err != nil {
		if errors.Is(err, errPartnerCodeTaken) || isUniqueViolation(err) {
			Conflict(c, "partner code already registered")
			return
		}
		loggerFrom(c).Error("create partner failed", "error", err)
		Internal(c, "failed to create partner")
		return
	}

	loggerFrom(c).Info("partner registered", "code", code, "admin_id", userID)
	c.JSON(http.StatusCreated, newPartnerResponse(partner))
}

// ListPartners 列出全部合作机构。
func (h *PartnerHandler) ListPartners(c *gin.Context) {
	var partners []database.Partner
	if err := h.db.WithContext(c.Request.Context()).Order("code ASC").Find(&partners).Error; err != nil {
		Internal(c, "failed to list partners")
		return
	}
	out := make([]partnerResponse, 0, len(partners))
	for _, p := range partners {
		out = append(out, newPartnerResponse(p))
	}
	c.JSON(http.StatusOK, out)
}
