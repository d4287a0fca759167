package webhookapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v57/github"

	"github.com/decisionbot/project/internal/app/decisionengine"
	"github.com/decisionbot/project/internal/contracts"
	"github.com/decisionbot/project/internal/decision"
	platformauth "github.com/decisionbot/project/internal/platform/auth"
	"github.com/decisionbot/project/internal/platform/metrics"
)

var webhookEventsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "webhook_events_total",
	Help: "GitHub webhook deliveries, by event type and outcome.",
}, []string{"event", "outcome"})

func init() {
	metrics.Default.MustRegister(webhookEventsTotal)
}

type DecisionReader interface {
	Get(ctx context.Context, issueID string) (decision.State, error)
}

type Handler struct {
	Service       *Service
	Decisions     DecisionReader
	Tokens        platformauth.Manager
	WebhookSecret []byte
	// Ready reports whether the process dependencies are reachable.
	Ready func(ctx context.Context) error
	Log   *log.Logger
}

func NewHandler(service *Service, decisions DecisionReader, tokens platformauth.Manager, webhookSecret string, logger *log.Logger) *Handler {
	return &Handler{
		Service:       service,
		Decisions:     decisions,
		Tokens:        tokens,
		WebhookSecret: []byte(webhookSecret),
		Ready:         func(context.Context) error { return nil },
		Log:           logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.DefaultHandler())

	r.Post("/github/webhook", h.handleWebhook)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/v1/decisions/{owner}/{repo}/{number}", h.handleGetDecision)
	})
	return r
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 1500*time.Millisecond)
	defer cancel()
	if err := h.Ready(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := github.WebHookType(r)
	payload, err := github.ValidatePayload(r, h.WebhookSecret)
	if err != nil {
		webhookEventsTotal.WithLabelValues(eventType, "unauthorized").Inc()
		h.Log.Warn("rejected webhook delivery", "event", eventType, "delivery", github.DeliveryID(r), "err", err)
		h.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		webhookEventsTotal.WithLabelValues(eventType, "invalid").Inc()
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch event := event.(type) {
	case *github.PingEvent:
		webhookEventsTotal.WithLabelValues(eventType, "ok").Inc()
		h.writeJSON(w, http.StatusOK, Result{Status: "pong"})
	case *github.IssueCommentEvent:
		res, err := h.Service.HandleComment(r.Context(), github.DeliveryID(r), event)
		if err != nil {
			if errors.Is(err, ErrInvalidEvent) {
				webhookEventsTotal.WithLabelValues(eventType, "invalid").Inc()
				h.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			webhookEventsTotal.WithLabelValues(eventType, "error").Inc()
			h.Log.Error("issue comment handling failed", "delivery", github.DeliveryID(r), "err", err)
			h.writeError(w, http.StatusInternalServerError, "failed to process comment")
			return
		}
		webhookEventsTotal.WithLabelValues(eventType, res.Status).Inc()
		h.writeJSON(w, http.StatusAccepted, res)
	default:
		webhookEventsTotal.WithLabelValues(eventType, "ignored").Inc()
		h.writeJSON(w, http.StatusAccepted, Result{Status: "ignored"})
	}
}

// DecisionView is the status API representation of a decision.
type DecisionView struct {
	IssueID         string                           `json:"issue_id"`
	IssueURL        string                           `json:"issue_url"`
	Initiator       string                           `json:"initiator"`
	Team            string                           `json:"team"`
	Resolution      decision.Resolution              `json:"resolution"`
	Reversibility   decision.Reversibility           `json:"reversibility"`
	PeriodStart     time.Time                        `json:"period_start"`
	PeriodEnd       time.Time                        `json:"period_end"`
	CurrentStatuses map[string]*decision.UserStatus  `json:"current_statuses"`
	StatusHistory   map[string][]decision.UserStatus `json:"status_history"`
	FinalizedAt     *time.Time                       `json:"finalized_at,omitempty"`
	Version         int64                            `json:"version"`
	Comment         string                           `json:"comment"`
}

func newDecisionView(state decision.State) DecisionView {
	return DecisionView{
		IssueID:         state.IssueID,
		IssueURL:        state.IssueURL,
		Initiator:       state.Initiator,
		Team:            state.Team,
		Resolution:      state.Resolution,
		Reversibility:   state.Reversibility,
		PeriodStart:     state.PeriodStart,
		PeriodEnd:       state.PeriodEnd,
		CurrentStatuses: state.CurrentStatuses,
		StatusHistory:   state.StatusHistory,
		FinalizedAt:     state.FinalizedAt,
		Version:         state.Version,
		Comment:         decision.RenderStatusComment(state.StatusHistory, state.CurrentStatuses),
	}
}

func (h *Handler) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid issue number")
		return
	}
	if !claimsFromContext(r.Context()).CanRead(repo) {
		h.writeError(w, http.StatusForbidden, "token cannot read "+repo)
		return
	}

	issueID := contracts.Issue{Repository: repo, Number: number}.Key()
	state, err := h.Decisions.Get(r.Context(), issueID)
	if err != nil {
		if errors.Is(err, decisionengine.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "decision not found")
			return
		}
		h.Log.Error("failed to load decision", "issue", issueID, "err", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load decision")
		return
	}
	h.writeJSON(w, http.StatusOK, newDecisionView(state))
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			if errors.Is(err, platformauth.ErrExpiredToken) {
				h.writeError(w, http.StatusUnauthorized, "token expired")
				return
			}
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims)))
	})
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
