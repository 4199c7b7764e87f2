package handler

import (
	"github.com/buba6c/onesms-v1-sub008/internal/config"
	"github.com/buba6c/onesms-v1-sub008/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func SetupRouter(cfg *config.Config, accounts *service.AccountService, purchases *service.PurchaseService, logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	r.Use(RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))

	h := NewHandler(accounts, purchases)

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.POST("/topup", h.TopUp)
			account.GET("/operations", h.ListOperations)
		}

		purchase := api.Group("/purchase")
		{
			purchase.POST("/create", h.CreatePurchase)
			purchase.GET("/detail", h.GetPurchase)
			purchase.GET("/list", h.ListPurchases)
			purchase.POST("/complete", h.CompletePurchase)
			purchase.POST("/cancel", h.CancelPurchase)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
