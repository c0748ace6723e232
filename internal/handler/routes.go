package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/school-portal-api/internal/middleware"
	"github.com/noah-isme/school-portal-api/internal/models"
	"github.com/noah-isme/school-portal-api/internal/repository"
	"github.com/noah-isme/school-portal-api/internal/service"
)

// Handlers bundles everything the router mounts. Optional surfaces
// (dashboard, reports) may be nil and their routes are skipped.
type Handlers struct {
	Auth       *AuthHandler
	User       *UserHandler
	Student    *StudentHandler
	Teacher    *TeacherHandler
	Class      *ClassHandler
	Subject    *SubjectHandler
	Session    *SessionHandler
	Term       *TermHandler
	Result     *ResultHandler
	Attendance *AttendanceHandler
	Pin        *PinHandler
	Payment    *PaymentHandler
	Dashboard  *DashboardHandler
	Report     *ReportHandler
	Metrics    *MetricsHandler
}

// RegisterRoutes mounts the API under prefix. Authentication is a JWT
// bearer token; coarse role checks happen here, finer ownership and
// assignment checks live in the services.
func RegisterRoutes(r *gin.Engine, prefix string, h Handlers, auth *service.AuthService, users *repository.UserRepository, metrics *service.MetricsService) {
	if metrics != nil {
		r.Use(middleware.Metrics(metrics))
	}
	r.Use(middleware.WithResponseMeta())

	if h.Metrics != nil {
		r.GET("/metrics", h.Metrics.Prometheus)
	}

	api := r.Group(prefix)

	staffOnly := middleware.RequireRoles(models.RoleAdmin, models.RoleStaff)
	staffOrTeacher := middleware.RequireRoles(models.RoleAdmin, models.RoleStaff, models.RoleTeacher)
	adminOnly := middleware.RequireRoles(models.RoleAdmin)

	// Public surface: login, token refresh, password recovery, the
	// gateway webhook and signed report downloads.
	authRoutes := api.Group("/auth")
	{
		authRoutes.POST("/login", h.Auth.Login)
		authRoutes.POST("/refresh", h.Auth.Refresh)
		authRoutes.POST("/forgot-password", h.Auth.ForgotPassword)
		authRoutes.POST("/reset-password", h.Auth.ResetPassword)

		protected := authRoutes.Group("", middleware.JWT(auth))
		protected.POST("/logout", h.Auth.Logout)
		protected.POST("/change-password", h.Auth.ChangePassword)
		protected.GET("/me", h.Auth.Me)
	}

	if h.Payment != nil {
		api.POST("/payments/webhook", h.Payment.Webhook)
	}
	if h.Report != nil {
		api.GET("/reports/download/:token", h.Report.Download)
	}

	private := api.Group("", middleware.JWT(auth))

	userRoutes := private.Group("/users", adminOnly)
	{
		userRoutes.GET("", h.User.List)
		userRoutes.POST("", h.User.Create)
		userRoutes.PUT("/:id", h.User.Update)
		userRoutes.DELETE("/:id", h.User.Delete)
	}
	// Detail stays reachable for the owner.
	private.GET("/users/:id", middleware.RBAC(string(models.RoleAdmin), "SELF"), h.User.Get)

	studentRoutes := private.Group("/students")
	{
		studentRoutes.GET("", staffOrTeacher, h.Student.List)
		studentRoutes.POST("", staffOnly, h.Student.Create)
		studentRoutes.GET("/:id", staffOrTeacher, h.Student.Get)
		studentRoutes.PUT("/:id", staffOnly, h.Student.Update)
		studentRoutes.DELETE("/:id", staffOnly, h.Student.Delete)
		if h.Attendance != nil {
			studentRoutes.GET("/:id/attendance", staffOrTeacher, h.Attendance.StudentSummary)
		}
		if h.Result != nil {
			studentRoutes.GET("/:id/results", staffOnly, h.Result.StudentResults)
		}
	}

	teacherRoutes := private.Group("/teachers")
	{
		teacherRoutes.GET("", staffOrTeacher, h.Teacher.List)
		teacherRoutes.POST("", staffOnly, h.Teacher.Create)
		teacherRoutes.GET("/:id", staffOrTeacher, h.Teacher.Get)
		teacherRoutes.PUT("/:id", staffOnly, h.Teacher.Update)
		teacherRoutes.DELETE("/:id", staffOnly, h.Teacher.Delete)
		teacherRoutes.GET("/:id/assignments", staffOrTeacher, h.Teacher.ListAssignments)
		teacherRoutes.POST("/:id/assignments", staffOnly, h.Teacher.CreateAssignment)
		teacherRoutes.DELETE("/:id/assignments/:aid", staffOnly, h.Teacher.DeleteAssignment)
	}

	classRoutes := private.Group("/classes")
	{
		classRoutes.GET("", h.Class.List)
		classRoutes.POST("", staffOnly, h.Class.Create)
		classRoutes.GET("/:id", h.Class.Get)
		classRoutes.GET("/:id/students", staffOrTeacher, h.Class.Roster)
		classRoutes.PUT("/:id", staffOnly, h.Class.Update)
		classRoutes.DELETE("/:id", staffOnly, h.Class.Delete)
	}

	subjectRoutes := private.Group("/subjects")
	{
		subjectRoutes.GET("", h.Subject.List)
		subjectRoutes.POST("", staffOnly, h.Subject.Create)
		subjectRoutes.GET("/:id", h.Subject.Get)
		subjectRoutes.PUT("/:id", staffOnly, h.Subject.Update)
		subjectRoutes.DELETE("/:id", staffOnly, h.Subject.Delete)
	}

	sessionRoutes := private.Group("/sessions")
	{
		sessionRoutes.GET("", h.Session.List)
		sessionRoutes.GET("/current", h.Session.GetCurrent)
		sessionRoutes.GET("/:id", h.Session.Get)
		sessionRoutes.POST("", staffOnly, h.Session.Create)
		sessionRoutes.PUT("/:id", staffOnly, h.Session.Update)
		sessionRoutes.POST("/:id/set-current", adminOnly, h.Session.SetCurrent)
		sessionRoutes.DELETE("/:id", adminOnly, h.Session.Delete)
	}

	termRoutes := private.Group("/terms")
	{
		termRoutes.GET("", h.Term.List)
		termRoutes.GET("/current", h.Term.GetCurrent)
		termRoutes.GET("/:id", h.Term.Get)
		termRoutes.POST("", staffOnly, h.Term.Create)
		termRoutes.PUT("/:id", staffOnly, h.Term.Update)
		termRoutes.POST("/:id/set-current", adminOnly, h.Term.SetCurrent)
		termRoutes.DELETE("/:id", adminOnly, h.Term.Delete)
	}

	if h.Result != nil {
		resultRoutes := private.Group("/results")
		{
			resultRoutes.GET("/me", h.Result.Mine)
			resultRoutes.GET("", staffOrTeacher, h.Result.List)
			resultRoutes.GET("/broadsheet", staffOrTeacher, h.Result.Broadsheet)
			resultRoutes.POST("", staffOrTeacher,
				middleware.Audit(users, models.AuditActionMarksEntry, "results"), h.Result.EnterMarks)
			resultRoutes.POST("/upload", staffOrTeacher,
				middleware.Audit(users, models.AuditActionMarksUpload, "results"), h.Result.UploadMarks)
		}
	}

	if h.Attendance != nil {
		attendanceRoutes := private.Group("/attendance")
		{
			attendanceRoutes.GET("", staffOrTeacher, h.Attendance.List)
			attendanceRoutes.GET("/register", staffOrTeacher, h.Attendance.Register)
			attendanceRoutes.POST("", staffOrTeacher, h.Attendance.Mark)
			attendanceRoutes.POST("/bulk", staffOrTeacher, h.Attendance.BulkRegister)
		}
	}

	if h.Pin != nil {
		pinRoutes := private.Group("/pins", staffOnly)
		{
			pinRoutes.GET("", h.Pin.List)
			pinRoutes.POST("/generate",
				middleware.Audit(users, models.AuditActionPinGenerate, "pins"), h.Pin.Generate)
			pinRoutes.POST("/:id/revoke",
				middleware.Audit(users, models.AuditActionPinRevoke, "pins"), h.Pin.Revoke)
		}
	}

	if h.Payment != nil {
		paymentRoutes := private.Group("/payments")
		{
			paymentRoutes.POST("/initiate", h.Payment.Initiate)
			paymentRoutes.POST("/verify/:reference", h.Payment.Verify)
			paymentRoutes.POST("/manual", staffOnly, h.Payment.Manual)
			paymentRoutes.POST("/:id/approve", staffOnly, h.Payment.Approve)
			paymentRoutes.POST("/:id/decline", staffOnly, h.Payment.Decline)
			paymentRoutes.GET("", staffOnly, h.Payment.List)
			paymentRoutes.GET("/:id", h.Payment.Get)
		}
	}

	if h.Dashboard != nil {
		private.GET("/dashboard", staffOnly, h.Dashboard.Summary)
	}

	if h.Report != nil {
		reportRoutes := private.Group("/reports", staffOrTeacher)
		{
			reportRoutes.POST("", h.Report.Create)
			reportRoutes.GET("", h.Report.List)
			reportRoutes.GET("/:id", h.Report.Status)
		}
	}
}
