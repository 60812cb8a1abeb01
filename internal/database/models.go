package database

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 角色常量。
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User 表示系统中的账号信息。
// Balance 以基础货币（默认 XAF）记账。
type User struct {
	gorm.Model
	Email              string          `gorm:"uniqueIndex;size:255"`
	FullName           string          `gorm:"size:255"`
	PasswordHash       string          `gorm:"size:255"`
	Role               string          `gorm:"size:16;default:user"`
	MustChangePassword bool            `gorm:"default:false"`
	Balance            decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	PremiumUntil       *time.Time
	ReferralCode       string `gorm:"uniqueIndex;size:16"`
	ActiveCVID         *uint
	CVs                []CV `gorm:"constraint:OnDelete:CASCADE"`
}

// IsPremium 判断账号在给定时间点是否处于付费会员期。
func (u User) IsPremium(now time.Time) bool {
	return u.PremiumUntil != nil && u.PremiumUntil.After(now)
}

// SocialAccount 关联第三方登录身份（LinkedIn、Google）。
type SocialAccount struct {
	gorm.Model
	UserID   uint   `gorm:"index"`
	Provider string `gorm:"size:32;uniqueIndex:idx_social_provider_subject"`
	Subject  string `gorm:"size:255;uniqueIndex:idx_social_provider_subject"`
}

// CV 表示用户创建的简历。结构化内容存于 Content(JSONB)，工作经历单独成表。
type CV struct {
	gorm.Model
	Title           string         `gorm:"size:255"`
	Content         datatypes.JSON `gorm:"type:jsonb"`
	Theme           string         `gorm:"size:32;default:classic"`
	UserID          uint           `gorm:"index"`
	PdfKey          string         `gorm:"size:512"`
	Status          string         `gorm:"size:32;default:draft"`
	PreviewImageURL string         `gorm:"size:1024"`
	Experiences     []Experience   `gorm:"foreignKey:CVID;constraint:OnDelete:CASCADE"`
}

// CV 渲染状态。
const (
	CVStatusDraft     = "draft"
	CVStatusRendering = "rendering"
	CVStatusReady     = "ready"
	CVStatusFailed    = "failed"
)

// Experience 表示简历中的一段工作经历，Position 决定展示顺序。
type Experience struct {
	gorm.Model
	CVID        uint   `gorm:"index"`
	Title       string `gorm:"size:255"`
	Company     string `gorm:"size:255"`
	Location    string `gorm:"size:255"`
	StartDate   time.Time
	EndDate     *time.Time
	Current     bool
	Description string `gorm:"type:text"`
	Position    int    `gorm:"default:0"`
}

// Company 表示发布职位的企业主页。
type Company struct {
	gorm.Model
	OwnerID     uint   `gorm:"index"`
	Name        string `gorm:"size:255"`
	Slug        string `gorm:"uniqueIndex;size:64"`
	Website     string `gorm:"size:512"`
	Description string `gorm:"type:text"`
	Verified    bool   `gorm:"default:false"`
}

// 职位状态。
const (
	JobStatusDraft     = "draft"
	JobStatusPublished = "published"
	JobStatusClosed    = "closed"
)

// JobPosting 表示一个职位。ExternalID 仅在订阅源导入时设置。
type JobPosting struct {
	gorm.Model
	CompanyID    uint    `gorm:"index"`
	Company      Company `gorm:"constraint:OnDelete:CASCADE"`
	Title        string  `gorm:"size:255;index"`
	Description  string  `gorm:"type:text"`
	Location     string  `gorm:"size:255;index"`
	ContractType string  `gorm:"size:32"`
	Remote       bool
	SalaryMin    int64
	SalaryMax    int64
	Currency     string `gorm:"size:3"`
	Status       string `gorm:"size:16;index;default:draft"`
	ExpiresAt    *time.Time
	Source       string  `gorm:"size:32;default:internal"`
	SourceURL    string  `gorm:"size:1024"`
	ExternalID   *string `gorm:"uniqueIndex;size:512"`
}

// 投递状态。
const (
	ApplicationSubmitted = "submitted"
	ApplicationReviewed  = "reviewed"
	ApplicationRejected  = "rejected"
	ApplicationAccepted  = "accepted"
)

// JobApplication 表示一次职位投递，每个用户对每个职位最多投递一次。
type JobApplication struct {
	gorm.Model
	JobID       uint       `gorm:"uniqueIndex:idx_application_job_user"`
	Job         JobPosting `gorm:"constraint:OnDelete:CASCADE"`
	UserID      uint       `gorm:"uniqueIndex:idx_application_job_user"`
	CVID        uint
	CoverLetter string `gorm:"type:text"`
	Status      string `gorm:"size:16;default:submitted"`
}

// Portfolio 是用户的公开作品集页面。
type Portfolio struct {
	gorm.Model
	UserID    uint           `gorm:"uniqueIndex"`
	User      User           `gorm:"constraint:OnDelete:CASCADE"`
	Slug      string         `gorm:"uniqueIndex;size:40"`
	Headline  string         `gorm:"size:255"`
	Bio       string         `gorm:"type:text"`
	Theme     string         `gorm:"size:32;default:minimal"`
	Links     datatypes.JSON `gorm:"type:jsonb"`
	Projects  datatypes.JSON `gorm:"type:jsonb"`
	Published bool           `gorm:"default:false"`
}

// Payment 记录一次向第三方渠道发起的支付。
// Amount/Currency 为实际扣款金额，BaseAmount 为折算后的基础货币金额。
type Payment struct {
	gorm.Model
	Reference     string          `gorm:"uniqueIndex;size:64"`
	UserID        *uint           `gorm:"index"`
	GuestEmail    string          `gorm:"size:255"`
	GuestPhone    string          `gorm:"size:32"`
	Provider      string          `gorm:"size:32;index"`
	ProviderRef   string          `gorm:"size:255;index"`
	Purpose       string          `gorm:"size:32"`
	Amount        decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Currency      string          `gorm:"size:3"`
	BaseAmount    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Status        string          `gorm:"size:16;index"`
	FailureReason string          `gorm:"size:512"`
	CheckoutURL   string          `gorm:"size:1024"`
	CompletedAt   *time.Time
	VoucherCode   *string `gorm:"uniqueIndex;size:32"`
	VoucherUsedBy *uint
}

// ChatMessage 保存 AI 聊天历史。
type ChatMessage struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index"`
	Role      string `gorm:"size:16"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}

// 推荐状态。
const (
	ReferralPending  = "pending"
	ReferralRewarded = "rewarded"
)

// Referral 记录推荐关系：被推荐人首笔支付完成后，推荐人获得奖励。
type Referral struct {
	gorm.Model
	ReferrerID uint            `gorm:"index"`
	RefereeID  uint            `gorm:"uniqueIndex"`
	Status     string          `gorm:"size:16;default:pending"`
	Reward     decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	RewardedAt *time.Time
}

// Partner 表示 APIDCA 合作机构，Code 全局唯一（大写存储）。
type Partner struct {
	gorm.Model
	Name           string `gorm:"size:255"`
	Code           string `gorm:"uniqueIndex;size:32"`
	ContactEmail   string `gorm:"size:255"`
	Country        string `gorm:"size:2"`
	RegisteredByID uint
}

// Asset 记录用户上传的图片资源。
type Asset struct {
	gorm.Model
	UserID      uint   `gorm:"index"`
	ObjectKey   string `gorm:"uniqueIndex;size:255"`
	Size        int64
	ContentType string `gorm:"size:64"`
}
