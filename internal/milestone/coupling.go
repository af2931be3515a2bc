package milestone

import (
	"context"
	"fmt"

	"github.com/agentbridge/agentbridge/internal/registry"
	"github.com/agentbridge/agentbridge/internal/store"
)

// StatusNotifier is the C6 status webhook, invoked on every status
// transition the coupler drives. Kept as a minimal interface so this
// package never depends on the webhook package's HTTP/retry details.
type StatusNotifier interface {
	Notify(projectID, status string)
}

// Coupler binds a work-unit request to an existing or new PTY session,
// per spec.md §4.5.
type Coupler struct {
	cfg     Config
	store   *store.Store
	reg     *registry.Registry
	webhook StatusNotifier
}

// NewCoupler builds a Coupler. webhook may be nil, in which case status
// transitions are persisted but never reported externally.
func NewCoupler(cfg Config, st *store.Store, reg *registry.Registry, webhook StatusNotifier) *Coupler {
	return &Coupler{cfg: cfg, store: st, reg: reg, webhook: webhook}
}

func (c *Coupler) notify(projectID string, status store.Status) {
	if c.webhook != nil {
		c.webhook.Notify(projectID, string(status))
	}
}

// BindResult reports what happened for a milestone endpoint connect.
type BindResult struct {
	Session  *registry.Session
	Spawned  bool
	Injected bool
}

// BindMilestone implements the "milestones/{id}/terminal" endpoint
// decision: bind to the project's existing session if live, else build
// the command and spawn one. If the project already had a live session,
// the caller is expected to call InjectNewMilestone after sending the
// status frames and replay, per spec.md §4.4 step 6.
func (c *Coupler) BindMilestone(ctx context.Context, projectID string, rows, cols uint16) (BindResult, error) {
	project, err := c.store.GetOutputProject(ctx, projectID)
	if err != nil {
		return BindResult{}, fmt.Errorf("milestone: bind project %s: %w", projectID, err)
	}

	if sess, ok := c.reg.GetByProject(projectID); ok {
		return BindResult{Session: sess, Spawned: false, Injected: true}, nil
	}

	resumeID := ""
	if project.AgentSessionID.Valid {
		resumeID = project.AgentSessionID.String
	}

	spec, err := BuildCommandSpec(c.cfg, project.WorkspacePath, resumeID, rows, cols)
	if err != nil {
		return BindResult{}, err
	}

	sess, created, err := c.reg.GetOrCreate(projectID, spec)
	if err != nil {
		return BindResult{}, fmt.Errorf("milestone: spawn for project %s: %w", projectID, err)
	}

	if created && project.Status == store.StatusCreated {
		if err := c.store.AdvanceStatus(ctx, projectID, store.StatusInitialized); err != nil {
			return BindResult{}, fmt.Errorf("milestone: advance status for project %s: %w", projectID, err)
		}
		c.notify(projectID, store.StatusInitialized)
	}

	return BindResult{Session: sess, Spawned: created, Injected: false}, nil
}

// BindOutputProject implements the "output-projects/{id}/terminal"
// endpoint decision: lookup-only, never spawns.
func (c *Coupler) BindOutputProject(projectID string) (*registry.Session, bool) {
	return c.reg.GetByProject(projectID)
}

// OnFirstCapture advances status to "active" the first time C3
// successfully captures an agent session id for a project (spec.md §9
// open question, resolved: active on first capture, not on spawn).
func (c *Coupler) OnFirstCapture(ctx context.Context, projectID string) error {
	if err := c.store.AdvanceStatus(ctx, projectID, store.StatusActive); err != nil {
		return err
	}
	c.notify(projectID, store.StatusActive)
	return nil
}
