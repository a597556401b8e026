package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"innoflow/internal/config"
	"innoflow/internal/domain"
	"innoflow/internal/engine/auth"
	"innoflow/internal/evidence"
	"innoflow/internal/metrics"
	"innoflow/internal/notify"
	"innoflow/internal/store"
	"innoflow/internal/workflow"
)

// Notifier queues a notification without blocking the caller.
type Notifier interface {
	Enqueue(n notify.Notification)
}

// Engine runs every lifecycle operation as read, validate, versioned write, notify.
// It holds no mutable state of its own; the store is the only shared state.
type Engine struct {
	Store     store.Store
	Workflows *workflow.Registry
	Roles     auth.RoleProvider
	Notifier  Notifier
	Evidence  evidence.Verifier
	Metrics   *metrics.Recorder
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(st store.Store, cfg *config.Config) (Engine, error) {
	if st == nil {
		return Engine{}, errors.New("engine requires a store")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	reg, err := workflow.NewRegistry(cfg.Workflows)
	if err != nil {
		return Engine{}, fmt.Errorf("workflows: %w", err)
	}
	return Engine{
		Store:     st,
		Workflows: reg,
		Evidence:  evidence.SyntaxVerifier{},
		Config:    cfg,
		Logger:    slog.Default(),
		Now:       time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) gates() config.Gates {
	if e.Config != nil {
		return e.Config.Gates
	}
	return config.Default().Gates
}

func (e Engine) workflows() *workflow.Registry {
	if e.Workflows != nil {
		return e.Workflows
	}
	return workflow.MustDefault()
}

// notify hands n to the dispatcher. It runs after the authoritative write and cannot fail it.
func (e Engine) notify(n notify.Notification) {
	if e.Notifier == nil {
		return
	}
	if n.Priority == "" {
		n.Priority = notify.PriorityNormal
	}
	n.CreatedAt = e.timestamp()
	e.Notifier.Enqueue(n)
}

func (e Engine) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = ErrorCode(err)
	}
	e.Metrics.ObserveOperation(op, outcome, start)
}

// Get re-reads an entity from the store.
func (e Engine) Get(ctx context.Context, ref domain.Ref) (domain.Record, error) {
	rec, err := e.Store.Get(ctx, ref.Kind, ref.ID)
	if err != nil {
		return domain.Record{}, fmt.Errorf("%s: %w", ref, err)
	}
	return rec, nil
}

// resolveRole returns claimed when set, otherwise asks the role provider.
func (e Engine) resolveRole(ctx context.Context, actorID string, claimed domain.RoleID) (domain.RoleID, error) {
	if claimed != "" {
		return domain.ParseRole(string(claimed))
	}
	if e.Roles == nil || actorID == "" {
		return "", nil
	}
	role, err := e.Roles.ActorRole(ctx, actorID)
	if errors.Is(err, auth.ErrNoRole) {
		return "", nil
	}
	return role, err
}

// requireRole checks the acting role for a role-gated operation.
func (e Engine) requireRole(ctx context.Context, action, actorID string, claimed, required domain.RoleID) (domain.RoleID, error) {
	role, err := e.resolveRole(ctx, actorID, claimed)
	if err != nil {
		return "", err
	}
	if role != required {
		return "", PermissionError{Action: action, Required: required, Actual: role}
	}
	return role, nil
}

func (e Engine) activity(rec *domain.Record, actor, format string, args ...any) {
	rec.Activities = append(rec.Activities, domain.Activity{
		Actor:       actor,
		Timestamp:   e.timestamp(),
		Description: fmt.Sprintf(format, args...),
	})
}

func actorOr(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	return fallback
}
