// Package loyalty turns completed visits into stamps, stamps into rewards,
// and walks rewards through redemption.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"qms/barberline/internal/apperr"
	"qms/barberline/internal/auth"
	"qms/barberline/internal/config"
	"qms/barberline/internal/metrics"
	"qms/barberline/internal/models"
	"qms/barberline/internal/notify"
	"qms/barberline/internal/store"

	"github.com/shopspring/decimal"
)

const codeAttempts = 5

// PolicySource resolves the effective policy of a franchise.
type PolicySource interface {
	For(franchiseID string) config.Policy
}

type Options struct {
	Now      func() time.Time
	Logger   *slog.Logger
	Notifier notify.Notifier
	// NewCode overrides reward code generation.
	NewCode func() (string, error)
}

type Engine struct {
	store     store.LoyaltyStore
	directory store.Directory
	policies  PolicySource
	notifier  notify.Notifier
	now       func() time.Time
	newCode   func() (string, error)
	logger    *slog.Logger
}

func NewEngine(st store.LoyaltyStore, directory store.Directory, policies PolicySource, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	if opts.NewCode == nil {
		opts.NewCode = NewRewardCode
	}
	return &Engine{
		store:     st,
		directory: directory,
		policies:  policies,
		notifier:  opts.Notifier,
		now:       opts.Now,
		newCode:   opts.NewCode,
		logger:    opts.Logger,
	}
}

// Accrue records the stamp earned by a completed ticket and issues a reward
// when the franchise threshold is reached. It returns the issued reward, if
// any. A ticket never earns more than one stamp.
func (e *Engine) Accrue(ctx context.Context, ticket models.Ticket) (*models.Reward, error) {
	if ticket.Status != models.StatusCompleted {
		return nil, store.ErrInvalidState
	}
	policy := e.policies.For(ticket.FranchiseID)
	if !policy.LoyaltyEnabled {
		return nil, nil
	}
	if ticket.ServiceID == "" || ticket.BarberID == "" {
		return nil, nil
	}
	if !policy.ServiceEligible(ticket.ServiceID) {
		return nil, nil
	}

	now := e.now()
	stamp, created, err := e.store.CreateStamp(ctx, store.StampInput{
		UserID:          ticket.UserID,
		FranchiseID:     ticket.FranchiseID,
		BranchID:        ticket.BranchID,
		ServiceID:       ticket.ServiceID,
		BarberID:        ticket.BarberID,
		RelatedTicketID: ticket.TicketID,
		EarnedAt:        now,
		ExpiresAt:       policy.StampExpiration.ExpiresAt(now),
	})
	if err != nil {
		return nil, fmt.Errorf("create stamp for ticket %s: %w", ticket.TicketID, err)
	}
	if created {
		e.logger.Debug("stamp earned", "stamp_id", stamp.StampID, "user_id", ticket.UserID, "ticket_id", ticket.TicketID)
	}
	return e.generate(ctx, ticket.UserID, ticket.FranchiseID, ticket.ServiceID, policy)
}

func (e *Engine) generate(ctx context.Context, userID, franchiseID, serviceID string, policy config.Policy) (*models.Reward, error) {
	now := e.now()
	count, err := e.store.CountValidStamps(ctx, userID, franchiseID, now)
	if err != nil {
		return nil, err
	}
	if count < policy.StampsRequired {
		return nil, nil
	}

	value := decimal.Zero
	service, found, err := e.directory.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if found {
		value = service.Price
	}

	for attempt := 1; attempt <= codeAttempts; attempt++ {
		code, err := e.newCode()
		if err != nil {
			return nil, fmt.Errorf("generate reward code: %w", err)
		}
		reward, generated, err := e.store.GenerateReward(ctx, store.GenerateRewardInput{
			UserID:         userID,
			FranchiseID:    franchiseID,
			StampsRequired: policy.StampsRequired,
			ServiceID:      serviceID,
			Value:          value,
			Code:           code,
			ExpiresAt:      policy.RewardExpiration.ExpiresAt(now),
			Now:            now,
		})
		if errors.Is(err, store.ErrRewardCodeTaken) {
			e.logger.Warn("reward code collision", "user_id", userID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !generated {
			return nil, nil
		}
		metrics.RewardsGenerated.Inc()
		e.logger.Info("reward generated", "reward_id", reward.RewardID, "user_id", userID, "franchise_id", franchiseID)
		e.notifier.Notify(ctx, userID, notify.Payload{
			Title: "Reward unlocked",
			Body:  "You collected enough stamps for a reward.",
			Data:  map[string]string{"reward_id": reward.RewardID, "code": reward.Code},
		})
		return &reward, nil
	}
	return nil, apperr.New(apperr.Internal, "could not allocate a unique reward code")
}

// ActivateReward moves an owned reward from generated to active.
func (e *Engine) ActivateReward(ctx context.Context, userID, rewardID string) (models.Reward, error) {
	if rewardID == "" {
		return models.Reward{}, apperr.New(apperr.InvalidArgument, "reward_id is required")
	}
	return e.store.ActivateReward(ctx, userID, rewardID, e.now())
}

// Redeem moves the caller's reward identified by code to in_use. Concurrent
// attempts on one code have a single winner.
func (e *Engine) Redeem(ctx context.Context, userID, code string) (models.Reward, error) {
	if userID == "" {
		return models.Reward{}, apperr.New(apperr.Unauthenticated, "missing caller")
	}
	code = NormalizeRewardCode(code)
	if code == "" {
		return models.Reward{}, apperr.New(apperr.InvalidArgument, "code is required")
	}
	if !ValidRewardCode(code) {
		return models.Reward{}, apperr.New(apperr.InvalidArgument, "code must match RWD- followed by 12 letters or digits")
	}
	reward, err := e.store.RedeemReward(ctx, store.RedeemInput{UserID: userID, Code: code, Now: e.now()})
	if err != nil {
		return models.Reward{}, err
	}
	metrics.RewardsRedeemed.WithLabelValues(models.RewardInUse).Inc()
	return reward, nil
}

// ApplyRewardToQueue settles an in_use reward against a ticket on behalf of
// staff. Barbers must work at branchID and the ticket must belong to it;
// admins skip the branch checks.
func (e *Engine) ApplyRewardToQueue(ctx context.Context, caller auth.Caller, rewardID, queueID, branchID string) (models.Reward, models.Ticket, error) {
	if rewardID == "" || queueID == "" {
		return models.Reward{}, models.Ticket{}, apperr.New(apperr.InvalidArgument, "reward_id and queue_id are required")
	}
	input := store.ApplyRewardInput{
		RewardID: rewardID,
		TicketID: queueID,
		StaffID:  caller.SubjectID,
		BranchID: branchID,
		Now:      e.now(),
	}
	switch {
	case caller.IsAdmin():
	case caller.Role == auth.RoleBarber:
		if branchID == "" {
			return models.Reward{}, models.Ticket{}, apperr.New(apperr.InvalidArgument, "branch_id is required")
		}
		ok, err := e.directory.IsBarberOfBranch(ctx, caller.SubjectID, branchID)
		if err != nil {
			return models.Reward{}, models.Ticket{}, err
		}
		if !ok {
			return models.Reward{}, models.Ticket{}, store.ErrAccessDenied
		}
		input.RequireBranch = true
	default:
		return models.Reward{}, models.Ticket{}, store.ErrAccessDenied
	}

	reward, ticket, err := e.store.ApplyReward(ctx, input)
	if err != nil {
		return models.Reward{}, models.Ticket{}, err
	}
	metrics.RewardsRedeemed.WithLabelValues(models.RewardRedeemed).Inc()
	e.logger.Info("reward applied",
		"reward_id", reward.RewardID,
		"ticket_id", ticket.TicketID,
		"branch_id", ticket.BranchID,
		"staff_id", caller.SubjectID,
	)
	return reward, ticket, nil
}

func (e *Engine) ListStamps(ctx context.Context, userID, franchiseID string) ([]models.Stamp, error) {
	stamps, err := e.store.ListStamps(ctx, userID, franchiseID)
	if stamps == nil {
		stamps = []models.Stamp{}
	}
	return stamps, err
}

func (e *Engine) ListRewards(ctx context.Context, userID, franchiseID string) ([]models.Reward, error) {
	rewards, err := e.store.ListRewards(ctx, userID, franchiseID)
	if rewards == nil {
		rewards = []models.Reward{}
	}
	return rewards, err
}

func (e *Engine) GetReward(ctx context.Context, rewardID string) (models.Reward, error) {
	return e.store.GetReward(ctx, rewardID)
}

// ExpireRewards moves past-due rewards outside {redeemed, expired} to expired.
func (e *Engine) ExpireRewards(ctx context.Context, limit int) (int, error) {
	n, err := e.store.ExpireRewards(ctx, e.now(), limit)
	if n > 0 {
		metrics.SweepExpired.WithLabelValues("reward").Add(float64(n))
	}
	return n, err
}

// ExpireStamps moves past-due active stamps to expired.
func (e *Engine) ExpireStamps(ctx context.Context, limit int) (int, error) {
	n, err := e.store.ExpireStamps(ctx, e.now(), limit)
	if n > 0 {
		metrics.SweepExpired.WithLabelValues("stamp").Add(float64(n))
	}
	return n, err
}
