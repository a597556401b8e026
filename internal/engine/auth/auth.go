// Package auth resolves actors to roles for role-gated engine operations.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"innoflow/internal/domain"
	"innoflow/internal/events"
)

// ErrNoRole is returned when an actor has no role assignment.
var ErrNoRole = errors.New("actor has no role")

// RoleProvider answers actorRole(userId).
type RoleProvider interface {
	ActorRole(ctx context.Context, actorID string) (domain.RoleID, error)
}

// Service provides role assignments backed by SQL.
type Service struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) ActorRole(ctx context.Context, actorID string) (domain.RoleID, error) {
	if actorID == "" {
		return "", errors.New("actor_id required")
	}
	var role string
	err := s.DB.QueryRowContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=?`, actorID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", actorID, ErrNoRole)
	}
	if err != nil {
		return "", err
	}
	return domain.ParseRole(role)
}

// AssignRole sets the actor's role, replacing any previous assignment.
func (s Service) AssignRole(ctx context.Context, actorID string, role domain.RoleID, assignedBy string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	if _, err := domain.ParseRole(string(role)); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := s.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO actor_roles(actor_id, role_id, assigned_at) VALUES (?,?,?)
ON CONFLICT(actor_id) DO UPDATE SET role_id=excluded.role_id, assigned_at=excluded.assigned_at`, actorID, string(role), now); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "role.assign", "actor", actorID, actorOrSystem(assignedBy), events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes the actor's role. Revoking an unassigned actor returns ErrNoRole.
func (s Service) RevokeRole(ctx context.Context, actorID, revokedBy string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=?`, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", actorID, ErrNoRole)
	}
	if err := s.Events.Append(ctx, tx, "role.revoke", "actor", actorID, actorOrSystem(revokedBy), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Assignment is one actor→role row.
type Assignment struct {
	ActorID    string        `json:"actor_id"`
	Role       domain.RoleID `json:"role"`
	AssignedAt string        `json:"assigned_at"`
}

func (s Service) ListAssignments(ctx context.Context) ([]Assignment, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT actor_id, role_id, assigned_at FROM actor_roles ORDER BY actor_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var a Assignment
		var role string
		if err := rows.Scan(&a.ActorID, &role, &a.AssignedAt); err != nil {
			return nil, err
		}
		a.Role = domain.RoleID(role)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Static is an in-memory provider, used when roles come from a token or a fixture.
type Static map[string]domain.RoleID

func (s Static) ActorRole(_ context.Context, actorID string) (domain.RoleID, error) {
	role, ok := s[actorID]
	if !ok {
		return "", fmt.Errorf("%s: %w", actorID, ErrNoRole)
	}
	return role, nil
}

func actorOrSystem(id string) string {
	if id == "" {
		return "system"
	}
	return id
}
