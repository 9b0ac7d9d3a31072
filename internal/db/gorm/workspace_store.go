package gorm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
)

// SnapshotWorkspace copies every embedded entity of a type into clustering_work_items
// under sessionID. The copy happens server-side in one INSERT ... SELECT, so inside
// the scenario's creating transaction it sees exactly the rows that transaction sees.
func (t *txStore) SnapshotWorkspace(ctx context.Context, sessionID string, entityType models.EntityType) (int, error) {
	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "snapshot_workspace")
	defer cancel()

	res := t.db.WithContext(ctx).Exec(`
		INSERT INTO clustering_work_items (session_id, entity_id, title, industry, embedding, created_at)
		SELECT ?, id, title, industry, embedding, now()
		FROM entities
		WHERE entity_type = ? AND embedding IS NOT NULL`, sessionID, string(entityType))
	if res.Error != nil {
		return 0, fmt.Errorf("snapshot workspace: %w", res.Error)
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("entity_type", string(entityType)).
		Int64("items", res.RowsAffected).
		Msg("Workspace snapshotted")
	return int(res.RowsAffected), nil
}

// DropWorkspace deletes every scratch row of a session.
func (t *txStore) DropWorkspace(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "drop_workspace")
	defer cancel()
	return dropSession(t.db.WithContext(ctx), sessionID)
}

func dropSession(tx *gorm.DB, sessionID string) error {
	if err := tx.Where("session_id = ?", sessionID).Delete(&WorkCentroid{}).Error; err != nil {
		return fmt.Errorf("drop workspace centroids: %w", err)
	}
	if err := tx.Where("session_id = ?", sessionID).Delete(&WorkItem{}).Error; err != nil {
		return fmt.Errorf("drop workspace items: %w", err)
	}
	return nil
}

// OpenWorkspace snapshots a type into a fresh session in its own transaction.
func (s *Store) OpenWorkspace(ctx context.Context, entityType models.EntityType) (db.Workspace, error) {
	sessionID := uuid.NewString()
	if _, err := s.SnapshotWorkspace(ctx, sessionID, entityType); err != nil {
		return nil, err
	}
	return &workspace{db: s.DB, sessionID: sessionID}, nil
}

// ResumeWorkspace returns a handle on an existing session. It does not query: a
// session with no rows reads as empty.
func (s *Store) ResumeWorkspace(ctx context.Context, sessionID string) (db.Workspace, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("resume workspace: empty session id")
	}
	return &workspace{db: s.DB, sessionID: sessionID}, nil
}

// activeSessions selects the workspaces that pending and processing scenarios still own.
const activeSessions = `SELECT session_id FROM clustering_scenarios
	WHERE status IN ('pending', 'processing') AND session_id <> ''`

// PurgeStaleWorkspaces removes scratch rows left behind by runs that never released
// them. Sessions still owned by a queued or running scenario survive any age.
func (s *Store) PurgeStaleWorkspaces(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "purge_stale_workspaces")
	defer cancel()

	cutoff := time.Now().Add(-olderThan)
	var sessions int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(`SELECT COUNT(DISTINCT session_id) FROM clustering_work_items
			WHERE created_at < ? AND session_id::text NOT IN (`+activeSessions+`)`, cutoff).
			Scan(&sessions).Error; err != nil {
			return err
		}
		if err := tx.Where("created_at < ? AND session_id::text NOT IN ("+activeSessions+")", cutoff).
			Delete(&WorkCentroid{}).Error; err != nil {
			return err
		}
		return tx.Where("created_at < ? AND session_id::text NOT IN ("+activeSessions+")", cutoff).
			Delete(&WorkItem{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("purge stale workspaces: %w", err)
	}
	return sessions, nil
}

// workspace is one run's slice of the work tables.
type workspace struct {
	db        *gorm.DB
	sessionID string
	released  bool
	mu        sync.Mutex
}

func (w *workspace) SessionID() string { return w.sessionID }

func (w *workspace) Items(ctx context.Context) ([]models.WorkItem, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil, db.ErrWorkspaceReleased
	}

	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "workspace_items")
	defer cancel()

	var rows []WorkItem
	if err := w.db.WithContext(ctx).Where("session_id = ?", w.sessionID).Order("entity_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load workspace items: %w", err)
	}
	items := make([]models.WorkItem, len(rows))
	for i, r := range rows {
		items[i] = models.WorkItem{
			EntityID:  r.EntityID,
			Title:     r.Title,
			Industry:  r.Industry,
			Embedding: fromVector(r.Embedding),
		}
	}
	return items, nil
}

// SaveProvisional writes provisional cluster ids and similarities onto the work items
// and replaces the session's provisional centroids.
func (w *workspace) SaveProvisional(ctx context.Context, assignments []models.ScenarioAssignment, clusters []models.ScenarioCluster) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return db.ErrWorkspaceReleased
	}

	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "workspace_save_provisional")
	defer cancel()

	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(assignments); start += stampBatchSize {
			batch := assignments[start:min(start+stampBatchSize, len(assignments))]

			var sb strings.Builder
			args := make([]any, 0, len(batch)*3+1)
			sb.WriteString(`UPDATE clustering_work_items AS w
				SET cluster_id = v.cluster_id, similarity = v.similarity
				FROM (VALUES `)
			for i, a := range batch {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString("(?::text, ?::bigint, ?::double precision)")
				args = append(args, a.EntityID, a.ClusterID, a.Similarity)
			}
			sb.WriteString(") AS v(entity_id, cluster_id, similarity) WHERE w.session_id = ? AND w.entity_id = v.entity_id")
			args = append(args, w.sessionID)

			if err := tx.Exec(sb.String(), args...).Error; err != nil {
				return fmt.Errorf("save provisional assignments: %w", err)
			}
		}

		if err := tx.Where("session_id = ?", w.sessionID).Delete(&WorkCentroid{}).Error; err != nil {
			return err
		}
		if len(clusters) == 0 {
			return nil
		}
		now := time.Now()
		rows := make([]WorkCentroid, len(clusters))
		for i, c := range clusters {
			rows[i] = WorkCentroid{
				CreatedAt:       now,
				Centroid:        toVector(c.Centroid),
				SessionID:       w.sessionID,
				ClusterID:       c.ClusterID,
				ItemCount:       c.ItemCount,
				IsOutlierBucket: c.IsOutlierBucket,
			}
		}
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
}

// Release purges every row of the session. Releasing twice is a no-op.
func (w *workspace) Release(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil
	}

	ctx, cancel := withTimeout(ctx, SlowQueryTimeout, "workspace_release")
	defer cancel()

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return dropSession(tx, w.sessionID)
	})
	if err != nil {
		return fmt.Errorf("release workspace %s: %w", w.sessionID, err)
	}
	w.released = true
	return nil
}
