package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/btx/trading-engine/internal/model"
	"github.com/btx/trading-engine/internal/pricing"
	"github.com/btx/trading-engine/internal/store"
)

// UpsertProjectInput is the organizer-facing project payload.
type UpsertProjectInput struct {
	ProjectID   string          `json:"projectId"`
	EventID     string          `json:"eventId"`
	Ticker      string          `json:"ticker"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	SeedAmount  decimal.Decimal `json:"seedAmount"`
}

// UpsertProject creates or updates a project. On create, the base and
// current price are derived from the seed and an initial PROJECT_CREATE
// history point is recorded. On update, a seed change raises the price
// floor but never lowers the displayed price.
func (s *Service) UpsertProject(ctx context.Context, in UpsertProjectInput) (*model.Project, error) {
	if in.ProjectID == "" || in.EventID == "" {
		return nil, fmt.Errorf("%w: projectId and eventId are required", ErrInvalidInput)
	}
	ticker, err := pricing.NormalizeTicker(in.Ticker)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	now := s.now().UTC()
	basePrice := s.model.BasePriceFromSeed(in.SeedAmount)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetProject(ctx, in.ProjectID)
	created := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		created = true
	case err != nil:
		return nil, err
	}

	var project *model.Project
	if created {
		project = &model.Project{
			ProjectID:       in.ProjectID,
			EventID:         in.EventID,
			Ticker:          ticker,
			Name:            in.Name,
			Description:     in.Description,
			BasePrice:       basePrice,
			CurrentPrice:    basePrice,
			NetShares:       decimal.Zero,
			TotalBuyShares:  decimal.Zero,
			TotalSellShares: decimal.Zero,
			TotalVolume:     decimal.Zero,
			SeedAmount:      in.SeedAmount,
			IsActive:        true,
			RandomDriftAt:   now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	} else {
		project = existing
		project.Ticker = ticker
		project.Name = in.Name
		project.Description = in.Description
		project.SeedAmount = in.SeedAmount
		project.BasePrice = basePrice
		// Seed changes raise the floor; they never push the displayed
		// price down.
		if project.CurrentPrice.LessThan(basePrice) {
			project.CurrentPrice = basePrice
		}
		project.UpdatedAt = now
	}

	if project.Name == "" && s.registry != nil {
		name, err := s.registry.TeamName(ctx, in.ProjectID)
		if err != nil {
			slog.Warn("team registry lookup failed", "project", in.ProjectID, "err", err)
		} else {
			project.Name = name
		}
	}
	if project.Name == "" {
		project.Name = ticker
	}

	if err := s.store.UpsertProject(ctx, project); err != nil {
		return nil, fmt.Errorf("upsert project: %w", err)
	}

	source := model.SourceProjectCreate
	if !created {
		source = model.SourceSeedUpdate
	}
	s.broadcastAdmin(ctx, project, source)

	slog.Info("project upserted", "project", project.ProjectID, "event", project.EventID,
		"ticker", project.Ticker, "base_price", project.BasePrice.String(), "created", created)
	return project, nil
}

// ApplySeedUpdate recomputes the base price from a new seed, given as an
// absolute value or a delta, and raises the current price to at least the
// new base. More funding signal means the price floor rises; it is never
// a way to push a price down.
func (s *Service) ApplySeedUpdate(ctx context.Context, projectID string, seedDelta, seedAbsolute *decimal.Decimal) (*model.Project, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrInvalidInput)
	}
	if (seedDelta == nil) == (seedAbsolute == nil) {
		return nil, fmt.Errorf("%w: exactly one of seedDelta or seedAbsolute is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
		}
		return nil, err
	}

	newSeed := project.SeedAmount
	if seedAbsolute != nil {
		newSeed = *seedAbsolute
	} else {
		newSeed = newSeed.Add(*seedDelta)
	}

	project.SeedAmount = newSeed
	project.BasePrice = s.model.BasePriceFromSeed(newSeed)
	if project.CurrentPrice.LessThan(project.BasePrice) {
		project.CurrentPrice = project.BasePrice
	}
	project.UpdatedAt = s.now().UTC()

	if err := s.store.UpsertProject(ctx, project); err != nil {
		return nil, fmt.Errorf("apply seed update: %w", err)
	}
	s.broadcastAdmin(ctx, project, model.SourceSeedUpdate)

	slog.Info("seed updated", "project", projectID,
		"seed", newSeed.String(), "base_price", project.BasePrice.String())
	return project, nil
}

// ApplyPhaseBump applies a discretionary price shock: a named milestone
// preset, or an explicit MULTIPLY/ADD operator with its parameter.
func (s *Service) ApplyPhaseBump(ctx context.Context, projectID, bumpType string, multiplier, delta *decimal.Decimal) (*model.Project, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
		}
		return nil, err
	}

	var newPrice decimal.Decimal
	if factor, ok := pricing.BumpPreset(bumpType); ok {
		newPrice = project.CurrentPrice.Mul(factor)
	} else {
		switch bumpType {
		case pricing.BumpMultiply:
			if multiplier == nil || multiplier.Sign() <= 0 {
				return nil, fmt.Errorf("%w: MULTIPLY requires a positive multiplier", ErrInvalidInput)
			}
			newPrice = project.CurrentPrice.Mul(*multiplier)
		case pricing.BumpAdd:
			if delta == nil {
				return nil, fmt.Errorf("%w: ADD requires a delta", ErrInvalidInput)
			}
			newPrice = project.CurrentPrice.Add(*delta)
		default:
			return nil, fmt.Errorf("%w: unknown bump type %q", ErrInvalidInput, bumpType)
		}
	}

	project.CurrentPrice = s.model.Clamp(newPrice)
	project.UpdatedAt = s.now().UTC()

	if err := s.store.UpsertProject(ctx, project); err != nil {
		return nil, fmt.Errorf("apply phase bump: %w", err)
	}
	s.broadcastAdmin(ctx, project, model.SourcePhaseBump)

	slog.Info("phase bump applied", "project", projectID,
		"bump", bumpType, "price", project.CurrentPrice.String())
	return project, nil
}

// broadcastAdmin notifies subscribers of an admin mutation. Synchronous
// is fine here: the broadcaster swallows its own failures and admin
// endpoints are not latency-sensitive.
func (s *Service) broadcastAdmin(ctx context.Context, p *model.Project, source model.PriceSource) {
	if s.notifier == nil {
		return
	}
	project := *p
	s.notifier.PriceUpdate(ctx, &project, source)
}
