package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"cvfolio/internal/database"
)

// ReferralHandler 展示推荐码与奖励。奖励本身在支付对账时发放。
type ReferralHandler struct {
	db *gorm.DB
}

func NewReferralHandler(db *gorm.DB) *ReferralHandler {
	return &ReferralHandler{db: db}
}

type refereeResponse struct {
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Reward     string     `json:"reward"`
	JoinedAt   time.Time  `json:"joined_at"`
	RewardedAt *time.Time `json:"rewarded_at,omitempty"`
}

type refereeRow struct {
	FullName   string
	Status     string
	Reward     decimal.Decimal
	CreatedAt  time.Time
	RewardedAt *time.Time
}

// GetReferrals 返回自己的推荐码、被推荐人与累计奖励。
func (h *ReferralHandler) GetReferrals(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	var user database.User
	if err := h.db.WithContext(ctx).Select("id", "referral_code").First(&user, userID).Error; err != nil {
		Unauthorized(c)
		return
	}

	var rows []refereeRow
	if err := h.db.WithContext(ctx).Model(&database.Referral{}).
		Select("users.full_name, referrals.status, referrals.reward, referrals.created_at, referrals.rewarded_at").
		Joins("JOIN users ON users.id = referrals.referee_id").
		Where("referrals.referrer_id = ?", userID).
		Order("referrals.created_at DESC").
		Scan(&rows).Error; err != nil {
		Internal(c, "failed to list referrals")
		return
	}

	total := decimal.Zero
	referees := make([]refereeResponse, 0, len(rows))
	for _, r := range rows {
		if r.Status == database.ReferralRewarded {
			total = total.Add(r.Reward)
		}
		referees = append(referees, refereeResponse{
			Name:       maskName(r.FullName),
			Status:     r.Status,
			Reward:     r.Reward.String(),
			JoinedAt:   r.CreatedAt,
			RewardedAt: r.RewardedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"code":          user.ReferralCode,
		"referees":      referees,
		"total_rewards": total.String(),
	})
}

// maskName 只保留首字符，其余以 * 代替。
func maskName(name string) string {
	runes := []rune(name)
	if len(runes) <= 1 {
		return name
	}
	out := make([]rune, len(runes))
	out[0] = runes[0]
	for i := 1; i < len(runes); i++ {
		if runes[i] == ' ' {
			out[i] = ' '
			continue
		}
		out[i] = '*'
	}
	return string(out)
}
