package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dutchcoders/go-clamd"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"cvfolio/internal/database"
	"cvfolio/internal/storage"
)

// ErrMalware 表示扫描发现恶意内容。
var ErrMalware = errors.New("malicious file detected")

// Scanner 在上传前扫描文件内容。
type Scanner interface {
	Scan(ctx context.Context, r io.Reader) error
}

// ClamdScanner 通过 clamd INSTREAM 扫描。
type ClamdScanner struct {
	addr string
}

func NewClamdScanner(addr string) *ClamdScanner {
	return &ClamdScanner{addr: addr}
}

func (s *ClamdScanner) Scan(ctx context.Context, r io.Reader) error {
	abort := make(chan bool)
	defer close(abort)

	results, err := clamd.NewClamd(s.addr).ScanStream(r, abort)
	if err != nil {
		return fmt.Errorf("scan stream: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-results:
			if !ok {
				return nil
			}
			switch result.Status {
			case clamd.RES_OK:
			case clamd.RES_FOUND:
				return fmt.Errorf("%w: %s", ErrMalware, result.Description)
			default:
				return fmt.Errorf("clamd %s: %s", result.Status, result.Description)
			}
		}
	}
}

// 允许上传的图片类型。
var allowedAssetTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

// AssetHandler 负责处理资产上传与访问。
type AssetHandler struct {
	db               *gorm.DB
	store            storage.ObjectStore
	scanner          Scanner
	redis            redis.UniversalClient
	maxBytes         int64
	maxAssetsPerUser int
	maxUploadsPerDay int
	now              func() time.Time
}

// NewAssetHandler 返回 AssetHandler 实例。
func NewAssetHandler(db *gorm.DB, store storage.ObjectStore, scanner Scanner, redisClient redis.UniversalClient, maxBytes int64) *AssetHandler {
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &AssetHandler{
		db:               db,
		store:            store,
		scanner:          scanner,
		redis:            redisClient,
		maxBytes:         maxBytes,
		maxAssetsPerUser: 200,
		maxUploadsPerDay: 50,
		now:              time.Now,
	}
}

type assetResponse struct {
	ID          uint      `json:"id"`
	ObjectKey   string    `json:"object_key"`
	URL         string    `json:"url,omitempty"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// UploadAsset 处理受保护的图片上传，并在上传前扫描病毒。
func (h *AssetHandler) UploadAsset(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()
	logger := loggerFrom(c).With(slog.Uint64("user_id", uint64(userID)))

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(c, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		BadRequest(c, "missing file")
		return
	}
	if file.Size <= 0 {
		BadRequest(c, "empty file")
		return
	}
	if file.Size > h.maxBytes {
		Error(c, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	var count int64
	if err := h.db.WithContext(ctx).Model(&database.Asset{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		Internal(c, "failed to count assets")
		return
	}
	if count >= int64(h.maxAssetsPerUser) {
		Forbidden(c, "asset limit reached")
		return
	}

	dailyKey := "rate:upload:" + strconv.FormatUint(uint64(userID), 10) + ":" + h.now().UTC().Format("20060102")
	if uploads, err := incrWithTTL(ctx, h.redis, dailyKey, 24*time.Hour); err == nil && uploads > int64(h.maxUploadsPerDay) {
		Error(c, http.StatusTooManyRequests, "daily upload limit reached")
		return
	}

	src, err := file.Open()
	if err != nil {
		Internal(c, "failed to open file")
		return
	}
	defer src.Close()

	mtype, err := mimetype.DetectReader(src)
	if err != nil {
		BadRequest(c, "unreadable file")
		return
	}
	contentType := mtype.String()
	if !allowedAssetTypes[contentType] {
		Error(c, http.StatusUnsupportedMediaType, "unsupported file type")
		return
	}

	if h.scanner != nil {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			Internal(c, "failed to rewind file")
			return
		}
		if err := h.scanner.Scan(ctx, src); err != nil {
			if errors.Is(err, ErrMalware) {
				logger.Warn("upload rejected by scanner", slog.Any("error", err))
				BadRequest(c, "malicious file detected")
				return
			}
			logger.Error("scan file", slog.Any("error", err))
			Internal(c, "failed to scan file")
			return
		}
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		Internal(c, "failed to rewind file")
		return
	}
	objectKey := storage.UserAssetKey(userID, "upload"+mtype.Extension())
	if err := h.store.Put(ctx, objectKey, src, file.Size, contentType); err != nil {
		logger.Error("upload file", slog.Any("error", err))
		Internal(c, "failed to upload file")
		return
	}

	asset := database.Asset{UserID: userID, ObjectKey: objectKey, Size: file.Size, ContentType: contentType}
	if err := h.db.WithContext(ctx).Create(&asset).Error; err != nil {
		_ = h.store.Delete(ctx, objectKey)
		Internal(c, "failed to record asset")
		return
	}

	c.JSON(http.StatusCreated, assetResponse{
		ID:          asset.ID,
		ObjectKey:   asset.ObjectKey,
		Size:        asset.Size,
		ContentType: asset.ContentType,
		CreatedAt:   asset.CreatedAt,
	})
}

// ListAssets 列出用户上传的资产，附带短期预览链接。
func (h *AssetHandler) ListAssets(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	var assets []database.Asset
	if err := h.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(queryInt(c, "limit", 60, 200)).
		Find(&assets).Error; err != nil {
		Internal(c, "failed to list assets")
		return
	}

	items := make([]assetResponse, 0, len(assets))
	for _, a := range assets {
		url, err := h.store.PresignGet(ctx, a.ObjectKey, 10*time.Minute, "")
		if err != nil {
			loggerFrom(c).Error("generate asset url", slog.String("object_key", a.ObjectKey), slog.Any("error", err))
			continue
		}
		items = append(items, assetResponse{
			ID:          a.ID,
			ObjectKey:   a.ObjectKey,
			URL:         url,
			Size:        a.Size,
			ContentType: a.ContentType,
			CreatedAt:   a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetAssetURL 返回资产的临时预签名 URL。
func (h *AssetHandler) GetAssetURL(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	objectKey := c.Query("key")
	if objectKey == "" {
		BadRequest(c, "missing key")
		return
	}
	if !storage.OwnsKey(userID, objectKey) {
		Forbidden(c, "access denied")
		return
	}

	signedURL, err := h.store.PresignGet(c.Request.Context(), objectKey, 15*time.Minute, "")
	if err != nil {
		loggerFrom(c).Error("generate presigned url", slog.Any("error", err))
		Internal(c, "failed to generate url")
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": signedURL})
}

// DeleteAsset 删除对象与记录。
func (h *AssetHandler) DeleteAsset(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	ctx := c.Request.Context()

	id, err := parseID(c.Param("id"))
	if err != nil {
		BadRequest(c, "invalid asset id")
		return
	}
	var asset database.Asset
	if err := h.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&asset).Error; err != nil {
		respondLookupError(c, err, "asset")
		return
	}
	if err := h.store.Delete(ctx, asset.ObjectKey); err != nil {
		loggerFrom(c).Error("delete asset object", slog.Any("error", err))
		Internal(c, "failed to delete asset")
		return
	}
	if err := h.db.WithContext(ctx).Unscoped().Delete(&asset).Error; err != nil {
		Internal(c, "failed to delete asset")
		return
	}
	c.Status(http.StatusNoContent)
}
