package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"cvfolio/internal/api/middleware"
	"cvfolio/internal/config"
	"cvfolio/internal/database"
	"cvfolio/internal/payment"
	"cvfolio/internal/storage"
)

// Dependencies 汇总路由需要的外部组件。
type Dependencies struct {
	Config   *config.Config
	DB       *gorm.DB
	Redis    redis.UniversalClient
	Enqueuer Enqueuer
	Auth     TokenIssuer
	OAuth    OAuthFlow
	Store    storage.ObjectStore
	Scanner  Scanner
	Payments *payment.Service
	Chat     ChatService
	Logger   *slog.Logger
}

// RegisterRoutes 注册 /v1 与 /internal 路由。
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	cfg := deps.Config.API

	authHandler := NewAuthHandler(deps.DB, deps.Auth, deps.OAuth, deps.Redis, AuthOptions{
		LoginRateLimitPerHour: cfg.LoginRateLimitPerHour,
		LoginLockThreshold:    cfg.LoginLockThreshold,
		LoginLockTTL:          cfg.LoginLockTTL(),
		CookieDomain:          cfg.CookieDomain,
		FrontendBaseURL:       cfg.FrontendBaseURL,
	})
	cvHandler := NewCVHandler(deps.DB, deps.Enqueuer, deps.Store, cfg.MaxCVs)
	jobHandler := NewJobHandler(deps.DB)
	portfolioHandler := NewPortfolioHandler(deps.DB, deps.Redis)
	paymentHandler := NewPaymentHandler(deps.Payments, cfg.FrontendBaseURL)
	chatHandler := NewChatHandler(deps.Chat)
	referralHandler := NewReferralHandler(deps.DB)
	partnerHandler := NewPartnerHandler(deps.DB)
	assetHandler := NewAssetHandler(deps.DB, deps.Store, deps.Scanner, deps.Redis, cfg.MaxUploadBytes)
	wsHandler := NewWsHandler(deps.Redis, deps.Auth, deps.Logger, cfg.Origins())

	authMiddleware := middleware.AuthMiddleware(deps.Auth)
	passwordGate := middleware.RequirePasswordChangeCompletedMiddleware()
	member := []gin.HandlerFunc{authMiddleware, passwordGate}

	v1 := router.Group("/v1")
	{
		v1.GET("/ws", wsHandler.HandleConnection)

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.Refresh)
			authGroup.POST("/logout", authHandler.Logout)
			authGroup.GET("/me", authMiddleware, authHandler.Me)
			authGroup.POST("/change-password", authMiddleware, authHandler.ChangePassword)
			authGroup.GET("/oauth/:provider/start", authHandler.OAuthStart)
			authGroup.GET("/oauth/:provider/callback", authHandler.OAuthCallback)
		}

		v1.GET("/cv-themes", cvHandler.ListThemes)

		cvGroup := v1.Group("/cvs", member...)
		{
			cvGroup.GET("", cvHandler.ListCVs)
			cvGroup.POST("", cvHandler.CreateCV)
			cvGroup.GET("/latest", cvHandler.GetLatestCV)
			cvGroup.GET("/:id", cvHandler.GetCV)
			cvGroup.PUT("/:id", cvHandler.UpdateCV)
			cvGroup.DELETE("/:id", cvHandler.DeleteCV)
			cvGroup.POST("/:id/download", cvHandler.DownloadCV)
			cvGroup.GET("/:id/download-link", cvHandler.GetDownloadLink)
			cvGroup.POST("/:id/experiences", cvHandler.CreateExperience)
			cvGroup.PUT("/:id/experiences/order", cvHandler.ReorderExperiences)
			cvGroup.PUT("/:id/experiences/:expId", cvHandler.UpdateExperience)
			cvGroup.DELETE("/:id/experiences/:expId", cvHandler.DeleteExperience)
		}

		companyGroup := v1.Group("/companies")
		{
			companyGroup.POST("", append(member, jobHandler.CreateCompany)...)
			companyGroup.GET("/mine", append(member, jobHandler.ListMyCompanies)...)
			companyGroup.GET("/:slug", jobHandler.GetCompany)
		}

		jobGroup := v1.Group("/jobs")
		{
			jobGroup.GET("", jobHandler.SearchJobs)
			jobGroup.GET("/:id", jobHandler.GetJob)
			jobGroup.POST("", append(member, jobHandler.CreateJob)...)
			jobGroup.PUT("/:id", append(member, jobHandler.UpdateJob)...)
			jobGroup.POST("/:id/publish", append(member, jobHandler.PublishJob)...)
			jobGroup.POST("/:id/close", append(member, jobHandler.CloseJob)...)
			jobGroup.POST("/:id/applications", append(member, jobHandler.Apply)...)
			jobGroup.GET("/:id/applications", append(member, jobHandler.ListJobApplications)...)
		}

		applicationGroup := v1.Group("/applications", member...)
		{
			applicationGroup.GET("/mine", jobHandler.ListMyApplications)
			applicationGroup.PATCH("/:id/status", jobHandler.UpdateApplicationStatus)
		}

		portfolioGroup := v1.Group("/portfolio", member...)
		{
			portfolioGroup.GET("", portfolioHandler.GetMyPortfolio)
			portfolioGroup.PUT("", portfolioHandler.UpsertPortfolio)
			portfolioGroup.POST("/publish", portfolioHandler.PublishPortfolio)
			portfolioGroup.POST("/unpublish", portfolioHandler.UnpublishPortfolio)
		}
		v1.GET("/p/:slug", portfolioHandler.GetPublicPortfolio)

		paymentGroup := v1.Group("/payments")
		{
			paymentGroup.GET("/providers", paymentHandler.ListProviders)
			paymentGroup.GET("/return/:provider", paymentHandler.Return)
			paymentGroup.POST("", append(member, paymentHandler.CreatePayment)...)
			paymentGroup.GET("", append(member, paymentHandler.ListPayments)...)
			paymentGroup.GET("/:ref", append(member, paymentHandler.GetPayment)...)
		}

		guestGroup := v1.Group("/guest/payments")
		{
			guestGroup.POST("", paymentHandler.CreateGuestPayment)
			guestGroup.GET("/:ref", paymentHandler.GetGuestPayment)
		}

		v1.POST("/webhooks/:provider", paymentHandler.Webhook)

		walletGroup := v1.Group("/wallet", member...)
		{
			walletGroup.GET("", paymentHandler.Wallet)
			walletGroup.POST("/redeem", paymentHandler.RedeemVoucher)
			walletGroup.POST("/premium", paymentHandler.BuyPremium)
		}

		chatGroup := v1.Group("/chat", member...)
		{
			chatGroup.POST("/messages", chatHandler.SendMessage)
			chatGroup.GET("/history", chatHandler.GetHistory)
			chatGroup.DELETE("/history", chatHandler.ClearHistory)
		}

		v1.GET("/referrals", append(member, referralHandler.GetReferrals)...)

		assetGroup := v1.Group("/assets", member...)
		{
			assetGroup.POST("/upload", assetHandler.UploadAsset)
			assetGroup.GET("", assetHandler.ListAssets)
			assetGroup.GET("/view", assetHandler.GetAssetURL)
			assetGroup.DELETE("/:id", assetHandler.DeleteAsset)
		}

		adminGroup := v1.Group("/admin", authMiddleware, passwordGate, middleware.RequireRole(database.RoleAdmin))
		{
			adminGroup.POST("/partners", partnerHandler.CreatePartner)
			adminGroup.GET("/partners", partnerHandler.ListPartners)
		}
	}

	internal := router.Group("/internal", middleware.InternalSecretMiddleware(deps.Config.API.InternalSecret))
	{
		internal.POST("/payments/:ref/refresh", paymentHandler.InternalRefresh)
	}
}
