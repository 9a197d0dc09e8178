package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxgate/voxgate/pkg/backend"
)

// ErrAllDeploymentsFailed is returned when every registered deployment
// fails or is suspended.
var ErrAllDeploymentsFailed = errors.New("resilience: all backend deployments failed")

// Config tunes the per-deployment breakers of a [Failover].
type Config struct {
	// TripAfter, Cooldown and TrialQuota are passed to each deployment's
	// breaker; see [BreakerConfig] for defaults.
	TripAfter  int
	Cooldown   time.Duration
	TrialQuota int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

type deployment struct {
	name  string
	svc   backend.Services
	guard *Breaker
}

// Failover implements [backend.Services] across several deployments of the
// auxiliary backend. Each deployment has its own [Breaker]; calls go to the
// first deployment that is admitted and succeeds, in registration order.
//
// Register all fallbacks before the first call; Failover does not lock its
// deployment list.
type Failover struct {
	deployments []deployment
	cfg         Config
	log         *slog.Logger
}

var _ backend.Services = (*Failover)(nil)

// NewFailover returns a Failover preferring primary.
func NewFailover(primary backend.Services, name string, cfg Config) *Failover {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &Failover{cfg: cfg, log: cfg.Logger}
	f.AddFallback(name, primary)
	return f
}

// AddFallback registers a further deployment, tried after all earlier ones.
func (f *Failover) AddFallback(name string, svc backend.Services) {
	f.deployments = append(f.deployments, deployment{
		name: name,
		svc:  svc,
		guard: NewBreaker(BreakerConfig{
			Deployment: name,
			TripAfter:  f.cfg.TripAfter,
			Cooldown:   f.cfg.Cooldown,
			TrialQuota: f.cfg.TrialQuota,
			Logger:     f.cfg.Logger,
		}),
	})
}

// route runs fn against deployments in order until one is admitted and
// succeeds.
func (f *Failover) route(op string, fn func(backend.Services) (backend.Result, error)) (backend.Result, error) {
	var lastErr error
	for i := range f.deployments {
		d := &f.deployments[i]
		var res backend.Result
		err := d.guard.Call(op, func() error {
			var callErr error
			res, callErr = fn(d.svc)
			return callErr
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrSuspended) {
			f.log.Debug("routing around suspended deployment", "deployment", d.name, "op", op)
		} else {
			f.log.Warn("deployment failed, trying next", "deployment", d.name, "op", op, "error", err)
		}
	}
	return backend.Result{}, fmt.Errorf("%s: %w: %v", op, ErrAllDeploymentsFailed, lastErr)
}

func (f *Failover) Search(ctx context.Context, req backend.Request) (backend.Result, error) {
	return f.route("search", func(s backend.Services) (backend.Result, error) {
		return s.Search(ctx, req)
	})
}

func (f *Failover) Expert(ctx context.Context, req backend.Request) (backend.Result, error) {
	return f.route("expert", func(s backend.Services) (backend.Result, error) {
		return s.Expert(ctx, req)
	})
}

func (f *Failover) Image(ctx context.Context, req backend.Request) (backend.Result, error) {
	return f.route("image", func(s backend.Services) (backend.Result, error) {
		return s.Image(ctx, req)
	})
}

func (f *Failover) Vision(ctx context.Context, req backend.Request) (backend.Result, error) {
	return f.route("vision", func(s backend.Services) (backend.Result, error) {
		return s.Vision(ctx, req)
	})
}

func (f *Failover) Reason(ctx context.Context, req backend.Request) (backend.Result, error) {
	return f.route("reason", func(s backend.Services) (backend.Result, error) {
		return s.Reason(ctx, req)
	})
}

func (f *Failover) Recall(ctx context.Context, req backend.Request) (backend.Result, error) {
	return f.route("recall", func(s backend.Services) (backend.Result, error) {
		return s.Recall(ctx, req)
	})
}

// Profile mirrors route for the one call that does not return a
// [backend.Result].
func (f *Failover) Profile(ctx context.Context, contextID, aiName string) (backend.Profile, error) {
	var lastErr error
	for i := range f.deployments {
		d := &f.deployments[i]
		var profile backend.Profile
		err := d.guard.Call("profile", func() error {
			var callErr error
			profile, callErr = d.svc.Profile(ctx, contextID, aiName)
			return callErr
		})
		if err == nil {
			return profile, nil
		}
		lastErr = err
		if errors.Is(err, ErrSuspended) {
			f.log.Debug("routing around suspended deployment", "deployment", d.name, "op", "profile")
		} else {
			f.log.Warn("deployment failed, trying next", "deployment", d.name, "op", "profile", "error", err)
		}
	}
	return backend.Profile{}, fmt.Errorf("profile: %w: %v", ErrAllDeploymentsFailed, lastErr)
}
