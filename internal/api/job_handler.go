package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"cvfolio/internal/database"
	"cvfolio/internal/jobs"
)

// JobHandler 负责企业主页、职位与投递。
type JobHandler struct {
	db  *gorm.DB
	now func() time.Time
}

func NewJobHandler(db *gorm.DB) *JobHandler {
	return &JobHandler{db: db, now: time.Now}
}

type companyRequest struct {
	Name        string `json:"name" binding:"required,max=255"`
	Slug        string `json:"slug" binding:"required,slug"`
	Website     string `json:"website" binding:"omitempty,url,max=512"`
	Description string `json:"description" binding:"max=10000"`
}

type companyResponse struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Website     string    `json:"website,omitempty"`
	Description string    `json:"description,omitempty"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
}

func newCompanyResponse(c database.Company) companyResponse {
	return companyResponse{
		ID:          c.ID,
		Name:        c.Name,
		Slug:        c.Slug,
		Website:     c.Website,
		Description: c.Description,
		Verified:    c.Verified,
		CreatedAt:   c.CreatedAt,
	}
}

// CreateCompany 创建企业主页，slug 全局唯一。
func (h *JobHandler) CreateCompany(c *gin.Context) {
	var req companyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	if req.Slug == jobs.ImportedCompanySlug {
		Conflict(c, "slug already taken")
		return
	}

	company := database.Company{
		OwnerID:     userID,
		Name:        strings.TrimSpace(req.Name),
		Slug:        req.Slug,
		Website:     req.Website,
		Description: req.Description,
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&company).Error; err != nil {
		if isUniqueViolation(err) {
			Conflict(c, "slug already taken")
			return
		}
		Internal(c, "failed to create company")
		return
	}
	c.JSON(http.StatusCreated, newCompanyResponse(company))
}

// ListMyCompanies 列出当前用户拥有的企业。
func (h *JobHandler) ListMyCompanies(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	var companies []database.Company
	if err := h.db.WithContext(c.Request.Context()).Where("owner_id = ?", userID).Order("id ASC").Find(&companies).Error; err != nil {
		Internal(c, "failed to list companies")
		return
	}
	out := make([]companyResponse, 0, len(companies))
	for _, co := range companies {
		out = append(out, newCompanyResponse(co))
	}
	c.JSON(http.StatusOK, out)
}

// GetCompany 公开读取企业主页及其在招职位。
func (h *JobHandler) GetCompany(c *gin.Context) {
	ctx := c.Request.Context()
	var company database.Company
	if err := h.db.WithContext(ctx).Where("slug = ?", c.Param("slug")).First(&company).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, "company not found")
			return
		}
		Internal(c, "failed to query company")
		return
	}

	var postings []database.JobPosting
	if err := h.db.WithContext(ctx).
		Where("company_id = ? AND status = ?", company.ID, database.JobStatusPublished).
		Where("(expires_at IS NULL OR expires_at > ?)", h.now().UTC()).
		Order("created_at DESC").
		Limit(100).
		Find(&postings).Error; err != nil {
		Internal(c, "failed to list jobs")
		return
	}
	items := make([]jobResponse, 0, len(postings))
	for _, p := range postings {
		p.Company = company
		items = append(items, newJobResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"company": newCompanyResponse(company), "jobs": items})
}

type jobRequest struct {
	CompanyID    uint       `json:"company_id" binding:"required"`
	Title        string     `json:"title" binding:"required,max=255"`
	Description  string     `json:"description" binding:"required,max=20000"`
	Location     string     `json:"location" binding:"max=255"`
	ContractType string     `json:"contract_type" binding:"required,contracttype"`
	Remote       bool       `json:"remote"`
	SalaryMin    int64      `json:"salary_min" binding:"gte=0"`
	SalaryMax    int64      `json:"salary_max" binding:"gte=0"`
	Currency     string     `json:"currency" binding:"omitempty,currency"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (r jobRequest) validate(now time.Time) error {
	if r.SalaryMax > 0 && r.SalaryMin > r.SalaryMax {
		return errors.New("salary_min must not exceed salary_max")
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return errors.New("expires_at must be in the future")
	}
	return nil
}

type jobResponse struct {
	ID           uint       `json:"id"`
	CompanyID    uint       `json:"company_id"`
	CompanyName  string     `json:"company_name"`
	CompanySlug  string     `json:"company_slug"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Location     string     `json:"location"`
	ContractType string     `json:"contract_type"`
	Remote       bool       `json:"remote"`
	SalaryMin    int64      `json:"salary_min,omitempty"`
	SalaryMax    int64      `json:"salary_max,omitempty"`
	Currency     string     `json:"currency,omitempty"`
	Status       string     `json:"status"`
	Source       string     `json:"source"`
	SourceURL    string     `json:"source_url,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func newJobResponse(p database.JobPosting) jobResponse {
	return jobResponse{
		ID:           p.ID,
		CompanyID:    p.CompanyID,
		CompanyName:  p.Company.Name,
		CompanySlug:  p.Company.Slug,
		Title:        p.Title,
		Description:  p.Description,
		Location:     p.Location,
		ContractType: p.ContractType,
		Remote:       p.Remote,
		SalaryMin:    p.SalaryMin,
		SalaryMax:    p.SalaryMax,
		Currency:     p.Currency,
		Status:       p.Status,
		Source:       p.Source,
		SourceURL:    p.SourceURL,
		ExpiresAt:    p.ExpiresAt,
		CreatedAt:    p.CreatedAt,
	}
}

func (h *JobHandler) ownedCompany(ctx context.Context, companyID, userID uint) (*database.Company, error) {
	var company database.Company
	if err := h.db.WithContext(ctx).Where("id = ? AND owner_id = ?", companyID, userID).First(&company).Error; err != nil {
		return nil, err
	}
	return &company, nil
}

// ownedJob 返回当前用户企业名下的职位。
func (h *JobHandler) ownedJob(ctx context.Context, idParam string, userID uint) (*database.JobPosting, error) {
	id, err := parseID(idParam)
	if err != nil {
		return nil, err
	}
	var posting database.JobPosting
	owned := h.db.Model(&database.Company{}).Select("id").Where("owner_id = ?", userID)
	err = h.db.WithContext(ctx).Preload("Company").
		Where("id = ? AND company_id IN (?)", id, owned).
		First(&posting).Error
	if err != nil {
		return nil, err
	}
	return &posting, nil
}

// CreateJob 以草稿状态创建职位。
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if err := req.validate(h.now()); err != nil {
		BadRequest(c, err.Error())
		return
	}
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	company, err := h.ownedCompany(ctx, req.CompanyID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			Forbidden(c, "not the company owner")
			return
		}
		Internal(c, "failed to query company")
		return
	}

	posting := database.JobPosting{
		CompanyID:    company.ID,
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		Location:     strings.TrimSpace(req.Location),
		ContractType: strings.ToLower(req.ContractType),
		Remote:       req.Remote,
		SalaryMin:    req.SalaryMin,
		SalaryMax:    req.SalaryMax,
		Currency:     strings.ToUpper(req.Currency),
		Status:       database.JobStatusDraft,
		ExpiresAt:    req.ExpiresAt,
		Source:       "internal",
	}
	if err := h.db.WithContext(ctx).Create(&posting).Error; err != nil {
		Internal(c, "failed to create job")
		return
	}
	posting.Company = *company
	c.JSON(http.StatusCreated, newJobResponse(posting))
}

// UpdateJob 覆盖职位内容，不改变状态。
func (h *JobHandler) UpdateJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if err := req.validate(h.now()); err != nil {
		BadRequest(c, err.Error())
		return
	}
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	posting, err := h.ownedJob(ctx, c.Param("id"), userID)
	if err != nil {
		respondLookupError(c, err, "job")
		return
	}
	if posting.CompanyID != req.CompanyID {
		BadRequest(c, "company_id cannot be changed")
		return
	}

	err = h.db.WithContext(ctx).Model(&database.JobPosting{}).Where("id = ?", posting.ID).Updates(map[string]any{
		"title":         strings.TrimSpace(req.Title),
		"description":   req.Description,
		"location":      strings.TrimSpace(req.Location),
		"contract_type": strings.ToLower(req.ContractType),
		"remote":        req.Remote,
		"salary_min":    req.SalaryMin,
		"salary_max":    req.SalaryMax,
		"currency":      strings.ToUpper(req.Currency),
		"expires_at":    req.ExpiresAt,
	}).Error
	if err != nil {
		Internal(c, "failed to update job")
		return
	}
	h.replyJob(c, posting.ID)
}

// PublishJob 发布职位。已关闭的职位不能重新发布。
func (h *JobHandler) PublishJob(c *gin.Context) {
	h.transition(c, database.JobStatusPublished, database.JobStatusDraft, database.JobStatusPublished)
}

// CloseJob 关闭职位，停止接收投递。
func (h *JobHandler) CloseJob(c *gin.Context) {
	h.transition(c, database.JobStatusClosed, database.JobStatusDraft, database.JobStatusPublished, database.JobStatusClosed)
}

func (h *JobHandler) transition(c *gin.Context, to string, from ...string) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	posting, err := h.ownedJob(ctx, c.Param("id"), userID)
	if err != nil {
		respondLookupError(c, err, "job")
		return
	}
	allowed := false
	for _, s := range from {
		if posting.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		Conflict(c, "job is "+posting.Status)
		return
	}
	if to == database.JobStatusPublished && posting.ExpiresAt != nil && !posting.ExpiresAt.After(h.now()) {
		Conflict(c, "job has expired")
		return
	}

	if err := h.db.WithContext(ctx).Model(&database.JobPosting{}).Where("id = ?", posting.ID).
		Update("status", to).Error; err != nil {
		Internal(c, "failed to update job")
		return
	}
	h.replyJob(c, posting.ID)
}

func (h *JobHandler) replyJob(c *gin.Context, id uint) {
	var posting database.JobPosting
	if err := h.db.WithContext(c.Request.Context()).Preload("Company").First(&posting, id).Error; err != nil {
		Internal(c, "failed to reload job")
		return
	}
	c.JSON(http.StatusOK, newJobResponse(posting))
}

// SearchJobs 公开检索已发布的职位。
func (h *JobHandler) SearchJobs(c *gin.Context) {
	var params jobs.SearchParams
	if err := c.ShouldBindQuery(&params); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if params.ContractType != "" && !jobs.IsContractType(strings.ToLower(params.ContractType)) {
		BadRequest(c, "unknown contract_type")
		return
	}

	result, err := jobs.Search(c.Request.Context(), h.db, params, h.now().UTC())
	if err != nil {
		loggerFrom(c).Error("job search failed", "error", err)
		Internal(c, "failed to search jobs")
		return
	}
	items := make([]jobResponse, 0, len(result.Items))
	for _, p := range result.Items {
		items = append(items, newJobResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{
		"items":     items,
		"total":     result.Total,
		"page":      result.Page,
		"page_size": result.PageSize,
	})
}

// GetJob 公开读取已发布的职位。
func (h *JobHandler) GetJob(c *gin.Context) {
	posting, err := h.publishedJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err, "job")
		return
	}
	c.JSON(http.StatusOK, newJobResponse(*posting))
}

func (h *JobHandler) publishedJob(ctx context.Context, idParam string) (*database.JobPosting, error) {
	id, err := parseID(idParam)
	if err != nil {
		return nil, err
	}
	var posting database.JobPosting
	err = h.db.WithContext(ctx).Preload("Company").
		Where("id = ? AND status = ?", id, database.JobStatusPublished).
		Where("(expires_at IS NULL OR expires_at > ?)", h.now().UTC()).
		First(&posting).Error
	if err != nil {
		return nil, err
	}
	return &posting, nil
}

type applyRequest struct {
	CVID        uint   `json:"cv_id" binding:"required"`
	CoverLetter string `json:"cover_letter" binding:"max=10000"`
}

type applicationResponse struct {
	ID          uint      `json:"id"`
	JobID       uint      `json:"job_id"`
	JobTitle    string    `json:"job_title,omitempty"`
	UserID      uint      `json:"user_id"`
	CVID        uint      `json:"cv_id"`
	CoverLetter string    `json:"cover_letter,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func newApplicationResponse(a database.JobApplication) applicationResponse {
	return applicationResponse{
		ID:          a.ID,
		JobID:       a.JobID,
		JobTitle:    a.Job.Title,
		UserID:      a.UserID,
		CVID:        a.CVID,
		CoverLetter: a.CoverLetter,
		Status:      a.Status,
		CreatedAt:   a.CreatedAt,
	}
}

// Apply 用自己的简历投递职位，每个职位只能投递一次。
func (h *JobHandler) Apply(c *gin.Context) {
	var req applyRequest
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

	posting, err := h.publishedJob(ctx, c.Param("id"))
	if err != nil {
		respondLookupError(c, err, "job")
		return
	}

	var owned int64
	if err := h.db.WithContext(ctx).Model(&database.CV{}).
		Where("id = ? AND user_id = ?", req.CVID, userID).
		Count(&owned).Error; err != nil {
		Internal(c, "failed to query cv")
		return
	}
	if owned == 0 {
		BadRequest(c, "cv not found")
		return
	}

	application := database.JobApplication{
		JobID:       posting.ID,
		UserID:      userID,
		CVID:        req.CVID,
		CoverLetter: req.CoverLetter,
		Status:      database.ApplicationSubmitted,
	}
	if err := h.db.WithContext(ctx).Create(&application).Error; err != nil {
		if isUniqueViolation(err) {
			Conflict(c, "already applied")
			return
		}
		Internal(c, "failed to create application")
		return
	}
	application.Job = *posting
	c.JSON(http.StatusCreated, newApplicationResponse(application))
}

// ListMyApplications 列出当前用户的投递记录。
func (h *JobHandler) ListMyApplications(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	var apps []database.JobApplication
	if err := h.db.WithContext(c.Request.Context()).Preload("Job").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&apps).Error; err != nil {
		Internal(c, "failed to list applications")
		return
	}
	out := make([]applicationResponse, 0, len(apps))
	for _, a := range apps {
		out = append(out, newApplicationResponse(a))
	}
	c.JSON(http.StatusOK, out)
}

// ListJobApplications 职位所属企业的拥有者查看投递。
func (h *JobHandler) ListJobApplications(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	posting, err := h.ownedJob(ctx, c.Param("id"), userID)
	if err != nil {
		respondLookupError(c, err, "job")
		return
	}
	var apps []database.JobApplication
	if err := h.db.WithContext(ctx).
		Where("job_id = ?", posting.ID).
		Order("created_at ASC").
		Find(&apps).Error; err != nil {
		Internal(c, "failed to list applications")
		return
	}
	out := make([]applicationResponse, 0, len(apps))
	for _, a := range apps {
		a.Job = *posting
		out = append(out, newApplicationResponse(a))
	}
	c.JSON(http.StatusOK, out)
}

type applicationStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=reviewed rejected accepted"`
}

// UpdateApplicationStatus 由职位拥有者更新投递状态。
func (h *JobHandler) UpdateApplicationStatus(c *gin.Context) {
	var req applicationStatusRequest
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

	id, err := parseID(c.Param("id"))
	if err != nil {
		BadRequest(c, "invalid application id")
		return
	}
	var app database.JobApplication
	if err := h.db.WithContext(ctx).Preload("Job").First(&app, id).Error; err != nil {
		respondLookupError(c, err, "application")
		return
	}
	if _, err := h.ownedCompany(ctx, app.Job.CompanyID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, "application not found")
			return
		}
		Internal(c, "failed to query company")
		return
	}

	if err := h.db.WithContext(ctx).Model(&app).Update("status", req.Status).Error; err != nil {
		Internal(c, "failed to update application")
		return
	}
	app.Status = req.Status
	c.JSON(http.StatusOK, newApplicationResponse(app))
}
