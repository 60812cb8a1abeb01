package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cvfolio/internal/database"
)

// 导入职位统一挂在系统公司下。
const (
	ImportedCompanySlug = "imported-jobs"
	importedCompanyName = "Imported jobs"
	importedJobTTL      = 45 * 24 * time.Hour
	sourceFeed          = "feed"
)

// ImportStats 汇总一次导入的结果。
type ImportStats struct {
	Feed     string
	Upserted int
	Skipped  int
}

// Importer 从 RSS/Atom 订阅源拉取职位并按 ExternalID upsert。
type Importer struct {
	db     *gorm.DB
	parser *gofeed.Parser
	logger *slog.Logger
	now    func() time.Time
}

func NewImporter(db *gorm.DB, client *http.Client, logger *slog.Logger) *Importer {
	parser := gofeed.NewParser()
	if client != nil {
		parser.Client = client
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{db: db, parser: parser, logger: logger, now: time.Now}
}

// Import 拉取并导入一个订阅源。
func (im *Importer) Import(ctx context.Context, feedURL string) (*ImportStats, error) {
	feed, err := im.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %q: %w", feedURL, err)
	}
	stats, err := im.ImportFeed(ctx, feed)
	if err != nil {
		return nil, err
	}
	stats.Feed = feedURL
	im.logger.Info("job feed imported",
		slog.String("feed", feedURL),
		slog.Int("upserted", stats.Upserted),
		slog.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

// ImportFeed 把已解析的订阅源写入数据库。
func (im *Importer) ImportFeed(ctx context.Context, feed *gofeed.Feed) (*ImportStats, error) {
	company, err := im.importedCompany(ctx)
	if err != nil {
		return nil, err
	}

	stats := &ImportStats{}
	for _, item := range feed.Items {
		posting, ok := im.posting(company.ID, item)
		if !ok {
			stats.Skipped++
			continue
		}
		err := im.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title", "description", "location", "contract_type", "remote", "source_url", "expires_at", "updated_at",
			}),
		}).Create(&posting).Error
		if err != nil {
			return stats, fmt.Errorf("upsert imported job %q: %w", *posting.ExternalID, err)
		}
		stats.Upserted++
	}
	return stats, nil
}

func (im *Importer) importedCompany(ctx context.Context) (*database.Company, error) {
	var company database.Company
	err := im.db.WithContext(ctx).Where("slug = ?", ImportedCompanySlug).First(&company).Error
	if err == nil {
		return &company, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("query imported company: %w", err)
	}

	company = database.Company{Name: importedCompanyName, Slug: ImportedCompanySlug, Verified: true}
	if err := im.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&company).Error; err != nil {
		return nil, fmt.Errorf("create imported company: %w", err)
	}
	if company.ID == 0 {
		if err := im.db.WithContext(ctx).Where("slug = ?", ImportedCompanySlug).First(&company).Error; err != nil {
			return nil, fmt.Errorf("reload imported company: %w", err)
		}
	}
	return &company, nil
}

func (im *Importer) posting(companyID uint, item *gofeed.Item) (database.JobPosting, bool) {
	externalID := strings.TrimSpace(item.GUID)
	if externalID == "" {
		externalID = strings.TrimSpace(item.Link)
	}
	title := strings.TrimSpace(item.Title)
	if externalID == "" || title == "" {
		return database.JobPosting{}, false
	}

	published := im.now()
	if item.PublishedParsed != nil {
		published = *item.PublishedParsed
	}
	expires := published.Add(importedJobTTL)

	description := item.Description
	if strings.TrimSpace(item.Content) != "" {
		description = item.Content
	}

	contract, remote := classify(title, item.Categories)
	return database.JobPosting{
		CompanyID:    companyID,
		Title:        truncate(title, 255),
		Description:  description,
		Location:     location(item),
		ContractType: contract,
		Remote:       remote,
		Status:       database.JobStatusPublished,
		ExpiresAt:    &expires,
		Source:       sourceFeed,
		SourceURL:    truncate(item.Link, 1024),
		ExternalID:   &externalID,
	}, true
}

// classify 从标题和分类中推断合同类型与远程标记。
func classify(title string, categories []string) (contract string, remote bool) {
	haystack := strings.ToLower(title + " " + strings.Join(categories, " "))
	for _, c := range ContractTypes {
		if strings.Contains(haystack, c) || strings.Contains(haystack, strings.ReplaceAll(c, "-", " ")) {
			contract = c
			break
		}
	}
	remote = strings.Contains(haystack, "remote") || strings.Contains(haystack, "télétravail")
	return contract, remote
}

func location(item *gofeed.Item) string {
	if ext, ok := item.Extensions["job"]["location"]; ok && len(ext) > 0 {
		return truncate(strings.TrimSpace(ext[0].Value), 255)
	}
	return ""
}

// truncate 按字节上限截断，不切断多字节字符。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}
