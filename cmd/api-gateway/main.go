package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/school-portal-api/api/swagger"
	"github.com/noah-isme/school-portal-api/internal/grading"
	"github.com/noah-isme/school-portal-api/internal/handler"
	"github.com/noah-isme/school-portal-api/internal/repository"
	"github.com/noah-isme/school-portal-api/internal/service"
	"github.com/noah-isme/school-portal-api/pkg/cache"
	"github.com/noah-isme/school-portal-api/pkg/config"
	"github.com/noah-isme/school-portal-api/pkg/database"
	"github.com/noah-isme/school-portal-api/pkg/export"
	"github.com/noah-isme/school-portal-api/pkg/gateway"
	"github.com/noah-isme/school-portal-api/pkg/jobs"
	"github.com/noah-isme/school-portal-api/pkg/logger"
	"github.com/noah-isme/school-portal-api/pkg/mailer"
	corsmiddleware "github.com/noah-isme/school-portal-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/school-portal-api/pkg/middleware/requestid"
	"github.com/noah-isme/school-portal-api/pkg/storage"
)

// @title School Portal API
// @version 1.0.0
// @description Administration API for academic records, attendance, results, PINs and payments.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck
	sugar := logr.Sugar()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		sugar.Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	// Redis is optional: without it the API serves every request
	// uncached.
	var cacheRepo service.CacheRepository
	cacheEnabled := false
	if redisClient, err := cache.NewRedis(cfg.Redis); err != nil {
		sugar.Warnw("redis unavailable, caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
		cacheEnabled = true
	}

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	teacherRepo := repository.NewTeacherRepository(db)
	assignmentRepo := repository.NewTeacherAssignmentRepository(db)
	classRepo := repository.NewClassRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	termRepo := repository.NewTermRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	resultRepo := repository.NewResultRepository(db)
	pinRepo := repository.NewPinRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	metricsService := service.NewMetricsService()
	cacheService := service.NewCacheService(cacheRepo, metricsService, cfg.Grading.CacheTTL, logr, cacheEnabled)
	mail := mailer.New(cfg.Mailer, logr)
	payGateway := gateway.NewMidtrans(cfg.Gateway, logr)

	authService := service.NewAuthService(userRepo, mail, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "school-portal-api",
	})
	userService := service.NewUserService(userRepo, validate, logr)
	studentService := service.NewStudentService(studentRepo, classRepo, validate, logr)
	teacherService := service.NewTeacherService(teacherRepo, validate, logr)
	assignmentService := service.NewTeacherAssignmentService(teacherRepo, classRepo, subjectRepo, termRepo, assignmentRepo, validate, logr)
	classService := service.NewClassService(classRepo, studentRepo, validate, logr)
	subjectService := service.NewSubjectService(subjectRepo, validate, logr)
	sessionService := service.NewSessionService(sessionRepo, userRepo, validate, logr)
	termService := service.NewTermService(termRepo, sessionRepo, userRepo, validate, logr)
	attendanceService := service.NewAttendanceService(attendanceRepo, studentRepo, classRepo, termRepo, teacherRepo, assignmentRepo, validate, logr)

	policy := grading.ByName(cfg.Grading.Scale)
	resultService := service.NewResultService(resultRepo, studentRepo, subjectRepo, termRepo, classRepo, teacherRepo, assignmentRepo, cacheService, policy, cfg.Grading.CacheTTL, validate, logr)
	pinService := service.NewPinService(pinRepo, termRepo, metricsService, cfg.Pins.MaxBatchSize, validate, logr)
	paymentService := service.NewPaymentService(paymentRepo, payGateway, pinService, studentRepo, termRepo, userRepo, mail, cfg.Pins.Price, validate, logr)

	var dashboardHandler *handler.DashboardHandler
	if cfg.Dashboard.Enabled {
		dashboardService := service.NewDashboardService(termRepo, studentRepo, pinRepo, paymentRepo, resultRepo, cacheService, cfg.Dashboard.CacheTTL, logr)
		dashboardHandler = handler.NewDashboardHandler(dashboardService)
	}

	var (
		reportHandler *handler.ReportHandler
		reportQueue   *jobs.Queue
	)
	if cfg.Reports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if err != nil {
			sugar.Fatalw("failed to prepare report storage", "dir", cfg.Reports.StorageDir, "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)
		exportService := service.NewExportService(resultService, store, signer, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			ResultTTL: cfg.Reports.SignedURLTTL,
		}, logr, export.NewCSVExporter(), export.NewPDFExporter())

		reportRepo := repository.NewReportRepository(db)
		worker := service.NewReportWorker(reportRepo, exportService, cfg.Reports.WorkerRetries, logr)
		reportQueue = jobs.NewQueue("reports", worker.Handle, jobs.QueueConfig{
			Workers:    cfg.Reports.WorkerConcurrency,
			MaxRetries: cfg.Reports.WorkerRetries,
			Logger:     logr,
		})
		reportService := service.NewReportService(reportRepo, teacherRepo, studentRepo, assignmentRepo, reportQueue, exportService, logr, service.ReportServiceConfig{
			ResultTTL:       cfg.Reports.SignedURLTTL,
			CleanupInterval: cfg.Reports.CleanupInterval,
			MaxRetries:      cfg.Reports.WorkerRetries,
		})
		reportHandler = handler.NewReportHandler(reportService)

		reportQueue.Start(ctx)
		reportService.RecoverPendingJobs(ctx)
		reportService.StartCleanup(ctx)
	}

	metricsHandler := handler.NewMetricsHandler(metricsService)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	handler.RegisterRoutes(r, cfg.APIPrefix, handler.Handlers{
		Auth:       handler.NewAuthHandler(authService),
		User:       handler.NewUserHandler(userService),
		Student:    handler.NewStudentHandler(studentService),
		Teacher:    handler.NewTeacherHandler(teacherService, assignmentService),
		Class:      handler.NewClassHandler(classService),
		Subject:    handler.NewSubjectHandler(subjectService),
		Session:    handler.NewSessionHandler(sessionService),
		Term:       handler.NewTermHandler(termService),
		Result:     handler.NewResultHandler(resultService, pinService, studentService),
		Attendance: handler.NewAttendanceHandler(attendanceService),
		Pin:        handler.NewPinHandler(pinService),
		Payment:    handler.NewPaymentHandler(paymentService),
		Dashboard:  dashboardHandler,
		Report:     reportHandler,
		Metrics:    metricsHandler,
	}, authService, userRepo, metricsService)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	sugar.Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("server shutdown failed", "error", err)
	}
	if reportQueue != nil {
		reportQueue.Stop()
	}
	sugar.Infow("server stopped")
}
