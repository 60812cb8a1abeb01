package storage

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// 对象键布局。所有用户相关的键都以用户 ID 分区，便于整体清理。
const (
	generatedCVPrefix = "generated-cvs"
	thumbnailPrefix   = "thumbnails/cv"
	userAssetPrefix   = "user-assets"
)

// GeneratedCVKey 为一次渲染生成唯一的 PDF 键，旧文件由调用方清理。
func GeneratedCVKey(userID uint) string {
	return fmt.Sprintf("%s/%d/%s.pdf", generatedCVPrefix, userID, uuid.NewString())
}

func CVPreviewKey(cvID uint) string {
	return fmt.Sprintf("%s/%d/preview.jpg", thumbnailPrefix, cvID)
}

// UserAssetPrefix 是用户上传素材的目录，末尾带斜杠。
func UserAssetPrefix(userID uint) string {
	return fmt.Sprintf("%s/%d/", userAssetPrefix, userID)
}

// UserAssetKey 用随机文件名保存上传，只保留经过清洗的扩展名。
func UserAssetKey(userID uint, originalName string) string {
	ext := strings.ToLower(path.Ext(originalName))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	return UserAssetPrefix(userID) + uuid.NewString() + ext
}

// OwnsKey 判断对象键是否属于该用户的素材目录。
func OwnsKey(userID uint, key string) bool {
	if len(key) > 255 || !utf8.ValidString(key) {
		return false
	}
	if strings.Contains(key, "..") || strings.Contains(key, "\\") || strings.Contains(key, "//") {
		return false
	}
	prefix := UserAssetPrefix(userID)
	return strings.HasPrefix(key, prefix) && len(key) > len(prefix)
}
