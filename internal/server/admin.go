package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"pulse-bot/internal/models"
	"pulse-bot/pkg/logger"
)

const defaultPageLimit = 100

// AdminStore is the read side used by the admin API.
type AdminStore interface {
	Overview(ctx context.Context, now time.Time) (models.Overview, error)
	ListUsers(ctx context.Context, skip, limit int) ([]models.User, error)
	ListPayments(ctx context.Context, skip, limit int) ([]models.Payment, error)
	ListAnalyses(ctx context.Context, skip, limit int) ([]models.Analysis, error)
	CompletedPaymentsByPlan(ctx context.Context) (map[string]int, error)
}

type page struct {
	Skip  int `validate:"gte=0"`
	Limit int `validate:"gte=1,lte=500"`
}

var validate = validator.New()

type adminHandler struct {
	store  AdminStore
	now    func() time.Time
	logger *logger.Logger
}

// parsePage reads skip and limit. On failure it has already written a 400.
func parsePage(w http.ResponseWriter, r *http.Request) (page, bool) {
	p := page{Limit: defaultPageLimit}
	q := r.URL.Query()
	for key, dst := range map[string]*int{"skip": &p.Skip, "limit": &p.Limit} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			JSON(w, http.StatusBadRequest, errorBody{Error: key + " must be an integer"})
			return page{}, false
		}
		*dst = n
	}
	if err := validate.Struct(p); err != nil {
		JSON(w, http.StatusBadRequest, errorBody{Error: "skip must be >= 0 and limit within 1..500"})
		return page{}, false
	}
	return p, true
}

func (a *adminHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	a.logger.Errorw("Admin API request failed", "op", op, "path", r.URL.Path, "error", err)
	Error(w, err)
}

func (a *adminHandler) overview(w http.ResponseWriter, r *http.Request) {
	o, err := a.store.Overview(r.Context(), a.now())
	if err != nil {
		a.fail(w, r, "overview", err)
		return
	}
	JSON(w, http.StatusOK, o)
}

func (a *adminHandler) subscriptions(w http.ResponseWriter, r *http.Request) {
	byPlan, err := a.store.CompletedPaymentsByPlan(r.Context())
	if err != nil {
		a.fail(w, r, "subscriptions", err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"by_plan": byPlan})
}

func (a *adminHandler) users(w http.ResponseWriter, r *http.Request) {
	p, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := a.store.ListUsers(r.Context(), p.Skip, p.Limit)
	if err != nil {
		a.fail(w, r, "users", err)
		return
	}
	JSON(w, http.StatusOK, nonNil(list))
}

func (a *adminHandler) payments(w http.ResponseWriter, r *http.Request) {
	p, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := a.store.ListPayments(r.Context(), p.Skip, p.Limit)
	if err != nil {
		a.fail(w, r, "payments", err)
		return
	}
	JSON(w, http.StatusOK, nonNil(list))
}

func (a *adminHandler) analyses(w http.ResponseWriter, r *http.Request) {
	p, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := a.store.ListAnalyses(r.Context(), p.Skip, p.Limit)
	if err != nil {
		a.fail(w, r, "analyses", err)
		return
	}
	JSON(w, http.StatusOK, nonNil(list))
}

// nonNil keeps empty pages encoded as [] instead of null.
func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
