package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/servio-labs/servio/internal/admin"
	"github.com/servio-labs/servio/internal/clock"
	"github.com/servio-labs/servio/internal/config"
	"github.com/servio-labs/servio/internal/confirmation"
	"github.com/servio-labs/servio/internal/escrow"
	"github.com/servio-labs/servio/internal/events"
	"github.com/servio-labs/servio/internal/gateway"
	"github.com/servio-labs/servio/internal/logging"
	"github.com/servio-labs/servio/internal/metrics"
	appmw "github.com/servio-labs/servio/internal/middleware"
	"github.com/servio-labs/servio/internal/rating"
	"github.com/servio-labs/servio/internal/request"
	"github.com/servio-labs/servio/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Logging, cfg.App)
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database init failed")
	}
	defer st.Close()

	clk := clock.Real{}
	bus := events.NewDispatcher()
	gw := gateway.NewHTTPClient(cfg.Gateway)

	requestSvc := request.NewService(st, clk, bus, logger)
	escrowSvc := escrow.NewService(st, gw, clk, logger)
	confirmationSvc := confirmation.NewService(st, clk, bus, cfg.Escrow.ConfirmationWindow, logger)
	ratingSvc := rating.NewService(st, clk, bus, cfg.Escrow.ReviewEditWindow, logger)

	// Cross-manager reactions run over the event bus so each manager
	// keeps a single responsibility while the causal chain stays in-call.
	escrowSvc.Subscribe(bus)
	confirmationSvc.Subscribe(bus)
	ratingSvc.Subscribe(bus)

	requestH := request.NewHandler(requestSvc)
	escrowH := escrow.NewHandler(escrowSvc, cfg.Gateway.WebhookSecret, logger)
	confirmationH := confirmation.NewHandler(confirmationSvc)
	ratingH := rating.NewHandler(ratingSvc)
	adminH := admin.NewHandler(st, escrowSvc, clk, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())

	// Health
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/ready", func(c echo.Context) error {
		if err := st.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready"})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Gateway webhook (authenticated by shared secret, not JWT)
	e.POST("/webhooks/gateway", escrowH.GatewayWebhook)

	// Public provider rating summary
	e.GET("/providers/:id/reviews", ratingH.GetProviderSummary)

	// Authenticated group
	g := e.Group("")
	g.Use(appmw.JWT(cfg.Auth.JWTSecret))

	g.POST("/requests", requestH.CreateRequest, appmw.RequireRoles("client"))
	g.GET("/requests", requestH.ListRequests)
	g.GET("/requests/:id", requestH.GetRequest)
	g.POST("/requests/:id/assign", requestH.AssignProvider, appmw.RequireRoles("client"))
	g.POST("/requests/:id/accept", requestH.Accept, appmw.RequireRoles("provider"))
	g.POST("/requests/:id/start", requestH.Start, appmw.RequireRoles("provider"))
	g.POST("/requests/:id/complete", requestH.Complete, appmw.RequireRoles("provider"))
	g.POST("/requests/:id/cancel", requestH.Cancel)

	g.POST("/requests/:id/payment", escrowH.CreatePayment, appmw.RequireRoles("client"))
	g.GET("/requests/:id/payment", escrowH.GetPayment)

	g.GET("/requests/:id/confirmation", confirmationH.GetByRequest)
	g.POST("/confirmations/:id/resolve", confirmationH.Resolve, appmw.RequireRoles("client"))

	g.POST("/requests/:id/review", ratingH.CreateReview, appmw.RequireRoles("client"))
	g.GET("/requests/:id/review", ratingH.GetRequestReview)
	g.PATCH("/reviews/:id", ratingH.UpdateReview, appmw.RequireRoles("client"))
	g.DELETE("/reviews/:id", ratingH.DeleteReview, appmw.RequireRoles("client"))

	// Admin routes
	adminGroup := e.Group("/admin")
	adminGroup.Use(appmw.JWT(cfg.Auth.JWTSecret))
	adminGroup.Use(appmw.AdminGuard)
	adminGroup.GET("/disputes", adminH.ListDisputes)
	adminGroup.POST("/disputes/:id/resolve", adminH.ResolveDispute)

	// Expiry sweep and escrow reconciliation run independently of user
	// traffic.
	sweeper := confirmation.NewSweeper(confirmationSvc, cfg.Escrow.SweepInterval, logger)
	go sweeper.Run(ctx)
	reconciler := escrow.NewReconciler(escrowSvc, cfg.Escrow.SweepInterval, logger)
	go reconciler.Run(ctx)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
		logger.Info().Str("addr", addr).Msg("API server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
