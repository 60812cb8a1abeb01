package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"cvfolio/internal/auth"
)

const referralCodeLength = 8

// NewReferralCode 生成一个尚未被占用的推荐码。唯一索引兜底并发冲突。
func NewReferralCode(ctx context.Context, db *gorm.DB) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code, err := auth.RandomCode(referralCodeLength)
		if err != nil {
			return "", err
		}
		var existing User
		err = db.WithContext(ctx).Unscoped().Select("id").Where("referral_code = ?", code).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("check referral code: %w", err)
		}
	}
	return "", errors.New("could not allocate a unique referral code")
}
