package app

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"examhub/internal/app/observability"
	"examhub/internal/catalog"
	"examhub/internal/exam"
	"examhub/internal/identity"
	"examhub/internal/matrix"
	"examhub/internal/report"
)

func NewRouter(cfg Config, db *sql.DB) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	collector := observability.NewCollector(db)
	r.Use(collector.Middleware)

	catalogSvc := catalog.NewService(db)
	catalogHandler := catalog.NewHandler(catalogSvc)

	matrixSvc := matrix.NewService(db, catalogSvc)
	matrixHandler := matrix.NewHandler(matrixSvc)

	examSvc := exam.NewService(db, catalogSvc, matrixSvc, cfg.DefaultExamMinutes)
	examHandler := exam.NewHandler(examSvc)

	reportSvc := report.NewService(db)
	reportHandler := report.NewHandler(reportSvc)

	startLimiter := NewIPRateLimiter(cfg.StartRateLimit, time.Minute)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/metrics", collector.MetricsHandler)

		api.Group(func(secure chi.Router) {
			secure.Use(identity.Middleware)

			secure.Group(func(start chi.Router) {
				start.Use(RateLimitMiddleware(startLimiter))
				start.Post("/attempts/start", examHandler.Start)
			})
			secure.Get("/attempts/{id}", examHandler.GetAttempt)
			secure.Get("/attempts/{id}/questions", examHandler.GetAttemptQuestions)
			secure.Put("/attempts/{id}/answers/{questionID}", examHandler.SaveAnswer)
			secure.Post("/attempts/{id}/submit", examHandler.Submit)
			secure.Get("/attempts/{id}/result", examHandler.Result)
			secure.Get("/exams/{id}/grade", examHandler.Grade)
			secure.Get("/exams/{id}", examHandler.GetExam)
			secure.Get("/exams", examHandler.ListExams)

			secure.Group(func(manage chi.Router) {
				manage.Use(identity.RequireRoles(identity.RoleTeacher, identity.RoleAdmin))

				manage.Post("/exams", examHandler.CreateExam)
				manage.Put("/exams/{id}", examHandler.UpdateExam)
				manage.Delete("/exams/{id}", examHandler.DeleteExam)
				manage.Put("/exams/{id}/questions", examHandler.SetQuestions)

				manage.Get("/questions", catalogHandler.List)
				manage.Post("/questions", catalogHandler.Create)
				manage.Get("/questions/{id}", catalogHandler.Get)
				manage.Put("/questions/{id}", catalogHandler.Update)
				manage.Delete("/questions/{id}", catalogHandler.Deactivate)

				manage.Get("/matrices", matrixHandler.List)
				manage.Post("/matrices", matrixHandler.Create)
				manage.Get("/matrices/{id}", matrixHandler.Get)
				manage.Get("/matrices/{id}/validate", matrixHandler.ValidateMatrix)

				manage.Get("/exams/{id}/statistics", reportHandler.Statistics)
				manage.Get("/exams/{id}/grades", reportHandler.Grades)
				manage.Get("/exams/{id}/grades/export", reportHandler.ExportGrades)
			})
		})
	})

	return r
}
