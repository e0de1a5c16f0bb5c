package engine

import (
	"context"
	"fmt"

	"github.com/mbd888/riskengine/internal/features"
	"github.com/mbd888/riskengine/internal/health"
	"github.com/mbd888/riskengine/internal/profile"
	"github.com/mbd888/riskengine/internal/velocity"
)

// UserView is a user profile snapshot with its derived risk and live
// velocity windows.
type UserView struct {
	Profile    *profile.UserProfile `json:"profile"`
	Assessment profile.Assessment   `json:"assessment"`
	Velocity   velocity.Snapshot    `json:"velocity"`
}

// MerchantView is the merchant counterpart of UserView.
type MerchantView struct {
	Profile    *profile.MerchantProfile `json:"profile"`
	Assessment profile.Assessment       `json:"assessment"`
	Velocity   velocity.Snapshot        `json:"velocity"`
}

// UserProfile returns the current view of userID. Unknown users read as
// empty profiles.
func (e *Engine) UserProfile(ctx context.Context, userID string) (*UserView, error) {
	var (
		p   *profile.UserProfile
		vel velocity.Snapshot
	)
	err := e.withStore(ctx, "load_user", func(ctx context.Context) (err error) {
		p, err = e.store.User(ctx, userID)
		return err
	})
	if err == nil {
		vel, err = e.liveWindows(ctx, profile.UserKey(userID))
	}
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	return &UserView{Profile: p, Assessment: p.Assess(), Velocity: vel}, nil
}

// MerchantProfile returns the current view of merchantID.
func (e *Engine) MerchantProfile(ctx context.Context, merchantID string) (*MerchantView, error) {
	var (
		p   *profile.MerchantProfile
		vel velocity.Snapshot
	)
	err := e.withStore(ctx, "load_merchant", func(ctx context.Context) (err error) {
		p, err = e.store.Merchant(ctx, merchantID)
		return err
	})
	if err == nil {
		vel, err = e.liveWindows(ctx, profile.MerchantKey(merchantID))
	}
	if err != nil {
		return nil, fmt.Errorf("merchant %s: %w", merchantID, err)
	}
	return &MerchantView{Profile: p, Assessment: p.Assess(), Velocity: vel}, nil
}

func (e *Engine) liveWindows(ctx context.Context, entity string) (velocity.Snapshot, error) {
	tracker := velocity.NewTracker(e.store, e.rt.Load().Windows)
	var snap velocity.Snapshot
	err := e.withStore(ctx, "windows", func(ctx context.Context) (err error) {
		snap, err = tracker.Query(ctx, entity, e.now())
		return err
	})
	return snap, err
}

// Health checks the profile store, the ledger and the scorer. A failing
// scorer is reported but does not make the engine unhealthy since
// decisions degrade to rules only.
func (e *Engine) Health(ctx context.Context) (bool, []health.Status) {
	return e.health.CheckAll(ctx)
}

type pinger interface {
	Ping(ctx context.Context, dims int) error
}

func (e *Engine) newHealthRegistry() *health.Registry {
	r := health.NewRegistry(e.storeTimeout * 4)
	r.Register("profile_store", health.FromPinger("profile_store", e.store))
	r.Register("ledger", health.FromPinger("ledger", e.ledger))
	r.Register("scorer", func(ctx context.Context) health.Status {
		st := health.Status{Healthy: true, Detail: e.scorer.Name()}
		p, ok := e.scorer.(pinger)
		if !ok {
			return st
		}
		if err := p.Ping(ctx, len(features.FactorNames)); err != nil {
			st.Detail = "degraded: " + err.Error()
		}
		return st
	})
	return r
}
