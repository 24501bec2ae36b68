// Package api 通过 HTTP 暴露终端会话的操作，供看板前端和自动化测试调用
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mes-kiosk/internal/assist"
	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/fsm"
	"mes-kiosk/internal/issue"
	"mes-kiosk/internal/kiosk"
	"mes-kiosk/internal/station"
	"mes-kiosk/internal/util"
	"mes-kiosk/internal/web"
)

// Server 是终端的 HTTP API
type Server struct {
	session *kiosk.Session
	audit   audit.Lister
	hub     *web.Hub
	tracker *web.StateTracker
	logger  *slog.Logger
	router  chi.Router
}

// NewServer 创建 API 服务并注册路由；hub 和 tracker 可为 nil
func NewServer(session *kiosk.Session, lister audit.Lister, hub *web.Hub, tracker *web.StateTracker, logger *slog.Logger) *Server {
	s := &Server{
		session: session,
		audit:   lister,
		hub:     hub,
		tracker: tracker,
		logger:  logger.With("component", "api"),
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Handler 返回根处理器
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(traceMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		r.Get("/ws", s.hub.ServeWs)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/scan", s.handleScan)
		r.Get("/state", s.handleState)
		r.Get("/audit", s.handleAudit)

		r.Route("/run", func(r chi.Router) {
			r.Post("/toggle", s.handleToggle)
			r.Post("/advance", s.handleAdvance)
			r.Post("/result", s.handleResult)
			r.Post("/start", s.handleStart)
			r.Post("/tick", s.handleTick)
			r.Post("/finish", s.handleFinish)
			r.Post("/close", s.handleClose)
		})

		r.Route("/issue", func(r chi.Router) {
			r.Post("/", s.handleIssueOpen)
			r.Post("/type", s.handleIssueType)
			r.Post("/severity", s.handleIssueSeverity)
			r.Post("/description", s.handleIssueDescription)
			r.Post("/evidence", s.handleIssueEvidence)
			r.Post("/containment", s.handleIssueContainment)
			r.Post("/next", s.handleIssueStep(func(f *issue.Flow) (fsm.State, error) { return f.Next() }))
			r.Post("/back", s.handleIssueStep(func(f *issue.Flow) (fsm.State, error) { return f.Back() }))
			r.Post("/submit", s.handleIssueSubmit)
			r.Post("/return", s.handleIssueReturn)
			r.Post("/cancel", s.handleIssueCancel)
		})

		r.Route("/assist", func(r chi.Router) {
			r.Post("/", s.handleAssistOpen)
			r.Post("/select", s.handleAssistSelect)
			r.Post("/cleanup", s.handleAssistCleanup)
			r.Get("/traveler", s.handleAssistTraveler)
			r.Post("/back", s.handleAssistBack)
			r.Post("/close", s.handleAssistClose)
		})
	})
}

// traceMiddleware 从请求头恢复或生成 Trace ID，并回写到响应头
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := util.ContextFromRequest(r)
		traceID, _ := util.TraceIDFromContext(ctx)
		w.Header().Set(util.TraceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("请求被拒绝", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

var (
	notFound = []error{kiosk.ErrNoActiveRun, kiosk.ErrNoIssueFlow, kiosk.ErrNoAssistFlow, kiosk.ErrUnknownStation}
	conflict = []error{
		station.ErrWrongState, station.ErrChecklistIncomplete, station.ErrNotCurrentPhase,
		station.ErrResultRequired, station.ErrEscalationOpen, fsm.ErrInvalidTransition,
		kiosk.ErrInterruptOpen, kiosk.ErrIssueNotSettled,
		issue.ErrWrongState, issue.ErrNoIssueType, assist.ErrWrongState, assist.ErrNoCleanupReason,
	}
	badRequest = []error{
		errBadBody, station.ErrNotInspection, station.ErrInvalidDefinition, station.ErrNoApplicablePhases,
		issue.ErrUnknownIssueType, issue.ErrUnknownSeverity, issue.ErrUnknownContainment,
		assist.ErrUnknownKind, assist.ErrUnknownReason,
	}
)

var errBadBody = errors.New("malformed request body")

func statusFor(err error) int {
	var verr validator.ValidationErrors
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	for _, group := range []struct {
		errs []error
		code int
	}{{notFound, http.StatusNotFound}, {conflict, http.StatusConflict}, {badRequest, http.StatusBadRequest}} {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.code
			}
		}
	}
	return http.StatusInternalServerError
}

// decode 解析请求体；空请求体视为零值
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadBody, err)
	}
	return nil
}
