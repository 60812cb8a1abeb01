package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"

	"gorm.io/gorm"

	"cvfolio/internal/auth"
	"cvfolio/internal/config"
	"cvfolio/internal/database"
)

func main() {
	var (
		email    = flag.String("email", "", "初始管理员邮箱（必填）")
		fullName = flag.String("name", "Administrator", "显示名称")
	)
	flag.Parse()

	addr := strings.ToLower(strings.TrimSpace(*email))
	if addr == "" || !strings.Contains(addr, "@") {
		log.Fatal("missing or invalid flag: --email")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("%v", err)
	}

	var existing database.User
	switch err := db.Where("email = ?", addr).First(&existing).Error; {
	case err == nil:
		log.Fatalf("user %q already exists", addr)
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		log.Fatalf("query user: %v", err)
	}

	password, err := auth.RandomToken(18)
	if err != nil {
		log.Fatalf("generate password: %v", err)
	}
	hashed, err := auth.HashPassword(password)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}
	code, err := database.NewReferralCode(context.Background(), db)
	if err != nil {
		log.Fatalf("generate referral code: %v", err)
	}

	user := database.User{
		Email:              addr,
		FullName:           strings.TrimSpace(*fullName),
		PasswordHash:       hashed,
		Role:               database.RoleAdmin,
		MustChangePassword: true,
		ReferralCode:       code,
	}
	if err := db.Create(&user).Error; err != nil {
		log.Fatalf("create user: %v", err)
	}

	fmt.Printf("已创建初始管理员账号（首次登录需强制改密）：\n")
	fmt.Printf("邮箱: %s\n", addr)
	fmt.Printf("初始密码: %s\n", password)
	fmt.Printf("提示：请立即登录并修改密码（该密码仅显示一次）。\n")
}
