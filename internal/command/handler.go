package command

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/syncer"
	"gitlab.com/timkado/api/vapi-call-sync/internal/tenant"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

const requestIDHeader = "X-Request-ID"

// Handler maps the command service onto a JSON API.
type Handler struct {
	svc *Service
	log *zap.Logger
}

// NewHandler creates the HTTP handler of the command API.
func NewHandler(svc *Service, baseLogger *zap.Logger) *Handler {
	if baseLogger == nil {
		baseLogger = logger.Log
	}
	return &Handler{svc: svc, log: baseLogger.Named("command_api")}
}

// Routes returns the router serving /api/v1.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestContext)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/settings", h.getSettings)
		r.Put("/settings", h.saveSettings)

		r.Post("/sync/all", h.syncAll)
		r.Post("/sync/reset", h.resetSchedules)
		r.Post("/retention/cleanup", h.retentionCleanup)
		r.Post("/database/test", h.testDatabase)

		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", h.listOrganizations)
			r.Post("/", h.addOrganization)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(h.organizationContext)
				r.Put("/", h.updateOrganization)
				r.Delete("/", h.deleteOrganization)
				r.Post("/sync", h.triggerSync)
				r.Get("/sync/status", h.syncStatus)
				r.Put("/sync/auto", h.setAutoSync)
				r.Post("/test-connection", h.testConnection)
				r.Post("/storage/prepare", h.prepareStorage)
				r.Get("/calls", h.queryCalls)
				r.Post("/calls/remote-delete", h.deleteRemoteCalls)
			})
		})
	})
	return r
}

// requestContext tags every request with a request id and a scoped logger.
func (h *Handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx := tenant.WithRequestID(r.Context(), requestID)
		ctx = logger.WithLogger(ctx, h.log)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) organizationContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id == 0 {
			utils.WriteJSONError(w, http.StatusBadRequest, "Invalid organization ID")
			return
		}
		ctx := tenant.WithOrganizationID(r.Context(), uint(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func organizationID(r *http.Request) uint {
	id, _ := tenant.FromContext(r.Context())
	return id
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	log := logger.FromContextOr(r.Context(), h.log)
	if status >= http.StatusInternalServerError {
		log.Error("Command failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Debug("Command rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	utils.WriteJSONError(w, status, err.Error())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := utils.DecodeJSONBody(r, v); err != nil && !errors.Is(err, io.EOF) {
		utils.WriteJSONError(w, http.StatusBadRequest, "Invalid data: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, v interface{}, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, v)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSONResponse(w, http.StatusOK, h.svc.GetGlobalSettings(r.Context()))
}

func (h *Handler) saveSettings(w http.ResponseWriter, r *http.Request) {
	var input GlobalSettingsInput
	if !h.decode(w, r, &input) {
		return
	}
	settings, err := h.svc.SaveGlobalSettings(r.Context(), input)
	h.respond(w, r, settings, err)
}

func (h *Handler) syncAll(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.SyncAllOrganizations(r.Context())
	h.respond(w, r, out, err)
}

func (h *Handler) resetSchedules(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ResetAllSchedules(r.Context())
	h.respond(w, r, out, err)
}

func (h *Handler) retentionCleanup(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.RunRetentionCleanup(r.Context())
	h.respond(w, r, out, err)
}

type databaseTestRequest struct {
	model.DBDescriptor
	OrganizationID uint `json:"organization_id"`
}

func (h *Handler) testDatabase(w http.ResponseWriter, r *http.Request) {
	var req databaseTestRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.TestDatabaseConnection(r.Context(), req.DBDescriptor, req.OrganizationID)
	h.respond(w, r, out, err)
}

func (h *Handler) listOrganizations(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	out, err := h.svc.ListOrganizations(r.Context(), activeOnly)
	h.respond(w, r, out, err)
}

func (h *Handler) addOrganization(w http.ResponseWriter, r *http.Request) {
	var input OrganizationInput
	if !h.decode(w, r, &input) {
		return
	}
	org, err := h.svc.AddOrganization(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusCreated, org)
}

func (h *Handler) updateOrganization(w http.ResponseWriter, r *http.Request) {
	var input OrganizationInput
	if !h.decode(w, r, &input) {
		return
	}
	out, err := h.svc.UpdateOrganization(r.Context(), organizationID(r), input)
	h.respond(w, r, out, err)
}

func (h *Handler) deleteOrganization(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.DeleteOrganization(r.Context(), organizationID(r))
	h.respond(w, r, out, err)
}

type triggerSyncRequest struct {
	DeleteAfterImport *bool `json:"delete_after_import,omitempty"`
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req triggerSyncRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.svc.TriggerManualSync(r.Context(), organizationID(r), req.DeleteAfterImport)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Status == syncer.StatusAlreadyRunning {
		status = http.StatusConflict
	}
	utils.WriteJSONResponse(w, status, result)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.GetSyncStatus(r.Context(), organizationID(r))
	h.respond(w, r, out, err)
}

func (h *Handler) setAutoSync(w http.ResponseWriter, r *http.Request) {
	var input AutoSyncInput
	if !h.decode(w, r, &input) {
		return
	}
	out, err := h.svc.SetAutoSync(r.Context(), organizationID(r), input)
	h.respond(w, r, out, err)
}

func (h *Handler) testConnection(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.TestAPIConnection(r.Context(), organizationID(r))
	h.respond(w, r, out, err)
}

func (h *Handler) prepareStorage(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.PrepareOrganizationStorage(r.Context(), organizationID(r))
	h.respond(w, r, out, err)
}

func (h *Handler) queryCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := model.CallFilters{
		Status:        q.Get("status"),
		DateFrom:      q.Get("date_from"),
		DateTo:        q.Get("date_to"),
		PhoneContains: q.Get("phone"),
	}
	out, err := h.svc.QueryCalls(r.Context(), organizationID(r), filters)
	h.respond(w, r, out, err)
}

func (h *Handler) deleteRemoteCalls(w http.ResponseWriter, r *http.Request) {
	var input DeleteCallsInput
	if !h.decode(w, r, &input) {
		return
	}
	out, err := h.svc.DeleteRemoteCalls(r.Context(), organizationID(r), input)
	h.respond(w, r, out, err)
}
