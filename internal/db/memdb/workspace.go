package memdb

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
)

// SnapshotWorkspace copies every embedded entity of a type into workspace sessionID,
// ordered by id.
func (v *view) SnapshotWorkspace(ctx context.Context, sessionID string, entityType models.EntityType) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("snapshot workspace: empty session id")
	}
	if _, ok := v.d.workspaces[sessionID]; ok {
		return 0, fmt.Errorf("snapshot workspace: session %s already exists", sessionID)
	}

	items := make([]models.WorkItem, 0)
	for _, e := range v.d.entities {
		if e.Type != entityType || !e.HasEmbedding() {
			continue
		}
		items = append(items, models.WorkItem{
			EntityID:  e.ID,
			Title:     e.Title,
			Industry:  e.Industry,
			Embedding: e.Embedding,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].EntityID < items[j].EntityID })

	v.d.workspaces[sessionID] = &workspaceData{
		openedAt:   v.now(),
		entityType: entityType,
		items:      items,
	}
	return len(items), nil
}

func (v *view) DropWorkspace(ctx context.Context, sessionID string) error {
	delete(v.d.workspaces, sessionID)
	return nil
}

func (s *Store) SnapshotWorkspace(ctx context.Context, sessionID string, entityType models.EntityType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().SnapshotWorkspace(ctx, sessionID, entityType)
}

func (s *Store) DropWorkspace(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DropWorkspace(ctx, sessionID)
}

// OpenWorkspace snapshots every embedded entity of a type into a fresh workspace.
func (s *Store) OpenWorkspace(ctx context.Context, entityType models.EntityType) (db.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sessionID := uuid.NewString()
	if _, err := s.SnapshotWorkspace(ctx, sessionID, entityType); err != nil {
		return nil, err
	}
	return &workspace{store: s, sessionID: sessionID}, nil
}

// ResumeWorkspace returns a handle on an existing workspace.
func (s *Store) ResumeWorkspace(ctx context.Context, sessionID string) (db.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.data.workspaces[sessionID]; !ok {
		return nil, fmt.Errorf("resume workspace %s: %w", sessionID, db.ErrWorkspaceReleased)
	}
	return &workspace{store: s, sessionID: sessionID}, nil
}

// PurgeStaleWorkspaces drops workspaces opened more than olderThan ago, except those
// a pending or processing scenario still owns.
func (s *Store) PurgeStaleWorkspaces(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := make(map[string]bool)
	for _, sc := range s.data.scenarios {
		if sc.SessionID != "" && !sc.Status.IsTerminal() {
			owned[sc.SessionID] = true
		}
	}

	cutoff := s.now().Add(-olderThan)
	var purged int64
	for id, ws := range s.data.workspaces {
		if ws.openedAt.Before(cutoff) && !owned[id] {
			delete(s.data.workspaces, id)
			purged++
		}
	}
	return purged, nil
}

// WorkspaceCount reports how many workspaces are currently open.
func (s *Store) WorkspaceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.workspaces)
}

type workspace struct {
	store     *Store
	sessionID string
}

func (w *workspace) SessionID() string { return w.sessionID }

func (w *workspace) Items(ctx context.Context) ([]models.WorkItem, error) {
	w.store.mu.RLock()
	defer w.store.mu.RUnlock()

	ws, ok := w.store.data.workspaces[w.sessionID]
	if !ok {
		return nil, db.ErrWorkspaceReleased
	}
	return slices.Clone(ws.items), nil
}

func (w *workspace) SaveProvisional(ctx context.Context, assignments []models.ScenarioAssignment, clusters []models.ScenarioCluster) error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()

	ws, ok := w.store.data.workspaces[w.sessionID]
	if !ok {
		return db.ErrWorkspaceReleased
	}
	next := *ws
	next.assignments = slices.Clone(assignments)
	next.clusters = slices.Clone(clusters)
	w.store.data.workspaces[w.sessionID] = &next
	return nil
}

// Release purges the workspace. Releasing twice is a no-op.
func (w *workspace) Release(ctx context.Context) error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	delete(w.store.data.workspaces, w.sessionID)
	return nil
}
