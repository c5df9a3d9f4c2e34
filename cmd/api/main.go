package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/geo"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/notify"
	"qrattend/internal/session"
	"qrattend/internal/store"
	"qrattend/internal/verifier"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	// appCtx owns every rotation loop. Loops are tied to the process, not
	// to any request or frontend tab; cancelling appCtx on shutdown is what
	// deactivates still-live sessions.
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	var (
		sessions session.Store
		db       *store.DB
	)
	if cfg.DatabaseURL == "memory" {
		log.Println("using in-memory session store")
		sessions = session.NewMemStore()
	} else {
		var err error
		db, err = store.NewDB(appCtx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("warning: db not reachable, falling back to in-memory store: %v", err)
			_ = db.Close()
			db = nil
			sessions = session.NewMemStore()
		} else {
			defer db.Close()
			pg := session.NewPostgres(db.Client)
			if err := pg.EnsureSchema(appCtx); err != nil {
				return err
			}
			sessions = pg
		}
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var feed notify.Feed
	if cfg.FeedBackend == "memory" {
		feed = notify.NewInMemory()
	} else {
		feed = notify.NewRedisFeed(redisClient.Client, "qrattend:feed")
	}

	idCheck := verifier.New(cfg.VerifyServiceURL, cfg.VerifySkip)
	if cfg.VerifySkip {
		log.Println("identity verification running in skip mode")
	}

	issuer := session.NewIssuer(sessions, feed, session.IssuerConfig{
		RotationInterval: cfg.RotationInterval,
		ValidityWindow:   cfg.ValidityWindow,
		WriteRetries:     cfg.StoreRetries,
		RetryBackoff:     cfg.RetryBackoff,
	})
	redeemer := session.NewRedeemer(sessions, idCheck, session.RedeemerConfig{
		SkewTolerance:     cfg.SkewTolerance,
		MaxDistanceMeters: cfg.MaxDistanceMeters,
		GeofenceEnabled:   cfg.GeofenceEnabled,
		StoreRetries:      cfg.StoreRetries,
		RetryBackoff:      cfg.RetryBackoff,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db == nil || db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Dev-grade token endpoint; a real deployment fronts this with the
	// institution's login.
	r.POST("/v1/auth/tokens", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Role != auth.RoleLecturer && req.Role != auth.RoleStudent {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		tok, exp, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": tok, "expires_at": exp.Unix()})
	})

	lecturer := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleLecturer))

	lecturer.POST("/sessions", func(c *gin.Context) {
		var req struct {
			CourseName string          `json:"course_name" binding:"required"`
			Location   *geo.Coordinate `json:"location"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.Principal(c)
		act, err := issuer.StartIssuing(appCtx, claims.Subject, req.CourseName, req.Location)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session": act.Current()})
	})

	lecturer.POST("/sessions/stop", func(c *gin.Context) {
		claims, _ := auth.Principal(c)
		if err := issuer.StopIssuing(c.Request.Context(), claims.Subject); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stopped": true})
	})

	lecturer.GET("/sessions/current", func(c *gin.Context) {
		claims, _ := auth.Principal(c)
		s, ok := issuer.Current(claims.Subject)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no live session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": s})
	})

	lecturer.GET("/sessions", func(c *gin.Context) {
		claims, _ := auth.Principal(c)
		limit, offset := pageParams(c)
		list, err := sessions.ListOwnerSessions(c.Request.Context(), claims.Subject, limit, offset)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session history unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": list})
	})

	lecturer.GET("/sessions/:token/records", func(c *gin.Context) {
		claims, _ := auth.Principal(c)
		tok := c.Param("token")
		s, err := sessions.GetSession(c.Request.Context(), tok)
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
			return
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "roster unavailable"})
			return
		}
		if s.OwnerID != claims.Subject {
			c.JSON(http.StatusForbidden, gin.H{"error": "not your session"})
			return
		}
		roster, err := sessions.ListSessionRecords(c.Request.Context(), tok)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "roster unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": roster})
	})

	student := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	student.POST("/redemptions", func(c *gin.Context) {
		var req struct {
			Token    string          `json:"token" binding:"required"`
			Proof    string          `json:"proof"`
			Location *geo.Coordinate `json:"location"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.Principal(c)
		rec, err := redeemer.Redeem(c.Request.Context(), req.Token, claims.Subject, req.Proof, req.Location)
		if err != nil {
			writeRedemptionError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"record": rec})
	})

	anyRole := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleLecturer, auth.RoleStudent))

	anyRole.GET("/students/:id/records", func(c *gin.Context) {
		claims, _ := auth.Principal(c)
		id := c.Param("id")
		if claims.Role == auth.RoleStudent && claims.Subject != id {
			c.JSON(http.StatusForbidden, gin.H{"error": "not your history"})
			return
		}
		limit, offset := pageParams(c)
		history, err := sessions.ListStudentRecords(c.Request.Context(), id, limit, offset)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": history})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Cancelling appCtx tears down rotation loops, which deactivate their
	// final sessions before the store connections close.
	cancelApp()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// writeRedemptionError maps each rejection kind to its own status so the
// client can show an accurate message. Kinds are never collapsed into a
// generic failure.
func writeRedemptionError(c *gin.Context, err error) {
	var rej *session.RedemptionError
	if !errors.As(err, &rej) {
		if errors.Is(err, session.ErrStoreUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again", "kind": string(session.KindStoreUnavailable)})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "identity verification unavailable"})
		return
	}
	body := gin.H{"error": rej.Error(), "kind": string(rej.Kind)}
	status := http.StatusUnprocessableEntity
	switch rej.Kind {
	case session.KindInvalidToken:
		status = http.StatusNotFound
	case session.KindSessionClosed, session.KindTokenExpired, session.KindTokenNotYetValid:
		status = http.StatusGone
	case session.KindOutOfRange:
		body["distance_m"] = rej.DistanceMeters
	case session.KindIdentityNotVerified:
		status = http.StatusForbidden
	case session.KindAlreadyRecorded:
		status = http.StatusConflict
	}
	c.JSON(status, body)
}

func pageParams(c *gin.Context) (int, int) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	return limit, offset
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
