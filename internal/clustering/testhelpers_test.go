package clustering

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/internal/db/memdb"
	"github.com/thebtf/clusterscope/pkg/models"
)

// groupedEntities builds tight groups of entities, group g pointing along axis g+offset.
func groupedEntities(t models.EntityType, prefix string, seed int64, dims, offset int, sizes ...int) []*models.Entity {
	rng := rand.New(rand.NewSource(seed))
	industries := []string{"fintech", "health", "logistics", "retail"}
	var out []*models.Entity
	for g, n := range sizes {
		for i := 0; i < n; i++ {
			v := make([]float32, dims)
			for d := range v {
				v[d] = float32(rng.NormFloat64() * 0.02)
			}
			v[g+offset] += 1
			out = append(out, &models.Entity{
				ID:        fmt.Sprintf("%s-g%d-%02d", prefix, g, i),
				Type:      t,
				Title:     fmt.Sprintf("%s group %d item %d", prefix, g, i),
				Industry:  industries[g%len(industries)],
				Embedding: v,
			})
		}
	}
	return out
}

// recordingEnqueuer remembers every id handed to it.
type recordingEnqueuer struct {
	ids []string
	mu  sync.Mutex
}

func (r *recordingEnqueuer) Enqueue(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingEnqueuer) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// faultyStore wraps memdb to inject failures into promotion and runs.
type faultyStore struct {
	*memdb.Store
	activateErr error
	onResume    func()
}

func (f *faultyStore) WithinTx(ctx context.Context, fn func(tx db.Tx) error) error {
	return f.Store.WithinTx(ctx, func(tx db.Tx) error {
		return fn(&faultyTx{Tx: tx, activateErr: f.activateErr})
	})
}

func (f *faultyStore) ResumeWorkspace(ctx context.Context, sessionID string) (db.Workspace, error) {
	if f.onResume != nil {
		f.onResume()
	}
	return f.Store.ResumeWorkspace(ctx, sessionID)
}

type faultyTx struct {
	db.Tx
	activateErr error
}

func (t *faultyTx) ActivateVersion(ctx context.Context, version int, at time.Time) error {
	if t.activateErr != nil {
		return t.activateErr
	}
	return t.Tx.ActivateVersion(ctx, version, at)
}

func quietLogger() zerolog.Logger {
	return zerolog.Nop()
}
