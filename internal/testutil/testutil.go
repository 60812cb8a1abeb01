// Package testutil 为各包测试提供内存数据库与 Redis。
package testutil

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cvfolio/internal/database"
)

// NewDB 打开一个迁移好的 SQLite 内存库。只保留一个连接，事务内的查询必须走事务句柄。
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewRedis 启动 miniredis 并返回客户端。
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// CreateUser 插入一个普通用户。
func CreateUser(t *testing.T, db *gorm.DB, email string) database.User {
	t.Helper()
	user := database.User{
		Email:        email,
		FullName:     "Test " + email,
		Role:         database.RoleUser,
		ReferralCode: referralCodeFor(email),
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func referralCodeFor(email string) string {
	code := make([]byte, 0, 8)
	for i := 0; i < len(email) && len(code) < 8; i++ {
		c := email[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			code = append(code, c)
		}
	}
	return string(code)
}
