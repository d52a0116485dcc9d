package apiv1

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/xiaoyanina/sistine-starter2-sub001/app/models"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/billing"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/dispatcher"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/ledger"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/metrics/counter"
)

// RunStats exposes cumulative dispatcher counters.
type RunStats interface {
	Snapshot(ctx context.Context) (*counter.Snapshot, error)
}

// Deps are the services behind the v1 API. Stats is optional.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Ledger     *ledger.Service
	Billing    *billing.Service
	Catalog    *catalog.Catalog
	Stats      RunStats
}

// APIServer implements the v1 handlers.
type APIServer struct {
	deps     Deps
	validate *validator.Validate
}

// NewAPIServer creates a new API server instance
func NewAPIServer(deps Deps) *APIServer {
	return &APIServer{deps: deps, validate: validator.New()}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Pong{Ping: "pong"})
}

// TriggerGrants runs one dispatcher batch. limit and catchUp are optional;
// values above the configured ceilings are clamped, not rejected.
func (s *APIServer) TriggerGrants(c *fiber.Ctx) error {
	var params TriggerParams
	if err := c.QueryParser(&params); err != nil {
		return badRequest(c, "limit and catchUp must be integers")
	}
	if err := s.validate.Struct(params); err != nil {
		return badRequest(c, "limit and catchUp must not be negative")
	}

	res, err := s.deps.Dispatcher.ProcessDueSchedules(c.UserContext(), dispatcher.Options{
		Limit:   params.Limit,
		CatchUp: params.CatchUp,
	})
	if err != nil {
		log.Errorf("[GrantAPI] Grant run failed: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: "grant_run_failed", Message: "Could not select due subscriptions"})
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// GetGrantStats returns cumulative dispatcher counters.
func (s *APIServer) GetGrantStats(c *fiber.Ctx) error {
	if s.deps.Stats == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(ErrorResponse{Error: "not_implemented", Message: "Run statistics are not enabled"})
	}
	snap, err := s.deps.Stats.Snapshot(c.UserContext())
	if err != nil {
		log.Warnf("[GrantAPI] Failed to read run statistics: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: "stats_unavailable", Message: "Run statistics unavailable"})
	}
	return c.JSON(snap)
}

// ListPlans returns the plan and pack catalog.
func (s *APIServer) ListPlans(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"plans": s.deps.Catalog.Plans(),
		"packs": s.deps.Catalog.Packs(),
	})
}

// GetUserCredits returns balance, recent history and subscriptions.
func (s *APIServer) GetUserCredits(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return badRequest(c, "invalid user id")
	}
	var params HistoryParams
	if err := c.QueryParser(&params); err != nil || s.validate.Struct(params) != nil {
		return badRequest(c, "limit must be a non-negative integer")
	}

	ctx := c.UserContext()
	balance, err := s.deps.Ledger.Balance(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	history, err := s.deps.Ledger.History(ctx, userID, params.Limit)
	if err != nil {
		return writeError(c, err)
	}
	subs, err := s.deps.Billing.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	if history == nil {
		history = []models.CreditLedgerEntry{}
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	return c.JSON(CreditsResponse{UserID: userID, Balance: balance, History: history, Subscriptions: subs})
}

// VerifyUserCredits compares the stored balance with the ledger sum.
func (s *APIServer) VerifyUserCredits(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return badRequest(c, "invalid user id")
	}
	check, err := s.deps.Ledger.VerifyBalance(c.UserContext(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(check)
}

// PostUserPack credits a purchased one-time pack.
func (s *APIServer) PostUserPack(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return badRequest(c, "invalid user id")
	}
	var req PackGrantRequest
	if err := s.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := s.deps.Ledger.GrantPack(c.UserContext(), userID, req.PackKey, req.PaymentID)
	if err != nil {
		return writeError(c, err)
	}
	return writeApplied(c, res)
}

// PostUserConsume spends credits.
func (s *APIServer) PostUserConsume(c *fiber.Ctx) error {
	userID, ok := userIDParam(c)
	if !ok {
		return badRequest(c, "invalid user id")
	}
	var req ConsumeRequest
	if err := s.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := s.deps.Ledger.Consume(c.UserContext(), ledger.ConsumeRequest{
		UserID:         userID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Note:           req.Note,
	})
	if err != nil {
		return writeError(c, err)
	}
	return writeApplied(c, res)
}

// PostEntryReverse appends a compensating entry.
func (s *APIServer) PostEntryReverse(c *fiber.Ctx) error {
	entryID, err := c.ParamsInt("entryID")
	if err != nil || entryID <= 0 {
		return badRequest(c, "invalid entry id")
	}
	var req ReverseRequest
	if len(c.Body()) > 0 {
		if err := s.bind(c, &req); err != nil {
			return badRequest(c, err.Error())
		}
	}
	res, err := s.deps.Ledger.Reverse(c.UserContext(), uint(entryID), req.Note)
	if err != nil {
		return writeError(c, err)
	}
	return writeApplied(c, res)
}

// PostSubscriptionSync reconciles a provider subscription.
func (s *APIServer) PostSubscriptionSync(c *fiber.Ctx) error {
	var req SubscriptionSyncRequest
	if err := s.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	sub, action, err := s.deps.Billing.SyncSubscription(c.UserContext(), billing.NormalizedSubscription{
		UserID:                 req.UserID,
		Provider:               req.Provider,
		ProviderSubscriptionID: req.ProviderSubscriptionID,
		PlanKey:                req.PlanKey,
		BillingInterval:        req.BillingInterval,
		Status:                 req.Status,
		CurrentPeriodStart:     req.CurrentPeriodStart,
		CurrentPeriodEnd:       req.CurrentPeriodEnd,
	})
	if err != nil {
		return writeError(c, err)
	}
	status := fiber.StatusOK
	if action == billing.SyncCreated {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(SubscriptionSyncResponse{Action: string(action), Subscription: sub})
}

func (s *APIServer) bind(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return errors.New("invalid JSON body")
	}
	if err := s.validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return errors.New("invalid fields: " + strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

func userIDParam(c *fiber.Ctx) (uint, bool) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, false
	}
	return uint(id), true
}

func writeApplied(c *fiber.Ctx, res *ledger.ApplyResult) error {
	if res.Status == ledger.StatusApplied {
		return c.Status(fiber.StatusCreated).JSON(res)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "bad_request", Message: message})
}

// writeError maps domain errors onto HTTP answers.
func writeError(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "internal_server_error"
	switch {
	case errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound):
		status, code = fiber.StatusNotFound, "not_found"
	case errors.Is(err, catalog.ErrUnknownPlan), errors.Is(err, catalog.ErrUnknownPack):
		status, code = fiber.StatusUnprocessableEntity, "unknown_catalog_key"
	case errors.Is(err, ledger.ErrInvalidRequest), errors.Is(err, billing.ErrInvalidSubscription):
		status, code = fiber.StatusBadRequest, "bad_request"
	case errors.Is(err, ledger.ErrInsufficientCredits):
		status, code = fiber.StatusConflict, "insufficient_credits"
	case errors.Is(err, billing.ErrSubscriptionInactive), errors.Is(err, billing.ErrStalePeriod),
		errors.Is(err, ledger.ErrStaleSchedule):
		status, code = fiber.StatusConflict, "conflict"
	case ledger.IsTransient(err):
		status, code = fiber.StatusServiceUnavailable, "storage_unavailable"
	}
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(status).JSON(ErrorResponse{Error: code, Message: "Request failed, retry later"})
	}
	return c.Status(status).JSON(ErrorResponse{Error: code, Message: err.Error()})
}
