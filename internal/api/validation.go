package api

import (
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"cvfolio/internal/cv"
	"cvfolio/internal/jobs"
)

var (
	slugPattern     = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{1,38}[a-z0-9])$`)
	currencyPattern = regexp.MustCompile(`^[A-Za-z]{3}$`)
	registerOnce    sync.Once
)

// RegisterValidators 向 gin 的校验引擎注册自定义 tag：slug、cvtheme、currency、contracttype。
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
			return slugPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("cvtheme", func(fl validator.FieldLevel) bool {
			return cv.IsTheme(fl.Field().String())
		})
		_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
			return currencyPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("contracttype", func(fl validator.FieldLevel) bool {
			return jobs.IsContractType(strings.ToLower(fl.Field().String()))
		})
	})
}

func isSlug(s string) bool { return slugPattern.MatchString(s) }
