// Package jobs 实现职位检索与外部订阅源导入。
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"cvfolio/internal/database"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 50
)

// SearchParams 是公开职位检索条件，零值表示不过滤。
type SearchParams struct {
	Query        string `form:"q"`
	Location     string `form:"location"`
	ContractType string `form:"contract_type"`
	Remote       *bool  `form:"remote"`
	Page         int    `form:"page"`
	PageSize     int    `form:"page_size"`
}

// Normalize 修正分页参数。
func (p *SearchParams) Normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	p.Query = strings.TrimSpace(p.Query)
	p.Location = strings.TrimSpace(p.Location)
	p.ContractType = strings.ToLower(strings.TrimSpace(p.ContractType))
}

// SearchResult 是一页检索结果。
type SearchResult struct {
	Items    []database.JobPosting `json:"items"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + strings.ToLower(r.Replace(s)) + "%"
}

// Search 只返回已发布且未过期的职位，按发布时间倒序。
func Search(ctx context.Context, db *gorm.DB, params SearchParams, now time.Time) (*SearchResult, error) {
	params.Normalize()

	q := db.WithContext(ctx).Model(&database.JobPosting{}).
		Where("status = ?", database.JobStatusPublished).
		Where("(expires_at IS NULL OR expires_at > ?)", now)
	if params.Query != "" {
		pattern := likePattern(params.Query)
		q = q.Where(`(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	if params.Location != "" {
		q = q.Where(`LOWER(location) LIKE ? ESCAPE '\'`, likePattern(params.Location))
	}
	if params.ContractType != "" {
		q = q.Where("contract_type = ?", params.ContractType)
	}
	if params.Remote != nil {
		q = q.Where("remote = ?", *params.Remote)
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count job postings: %w", err)
	}

	items := make([]database.JobPosting, 0, params.PageSize)
	if err := q.Preload("Company").
		Order("created_at DESC").Order("id DESC").
		Offset((params.Page - 1) * params.PageSize).
		Limit(params.PageSize).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("search job postings: %w", err)
	}

	return &SearchResult{Items: items, Total: total, Page: params.Page, PageSize: params.PageSize}, nil
}

// ContractTypes 是允许的合同类型。
var ContractTypes = []string{"full-time", "part-time", "contract", "internship", "freelance"}

func IsContractType(s string) bool {
	for _, c := range ContractTypes {
		if c == s {
			return true
		}
	}
	return false
}
