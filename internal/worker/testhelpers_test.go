package worker

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/clusterscope/internal/config"
	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/internal/db/memdb"
)

// testService creates a ready Service over an in-memory store. The runner is not
// started; tests drive runs with s.runner.Run.
func testService(t *testing.T) (*Service, *memdb.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.StoreDriver = config.StoreDriverMemory
	store := memdb.New()
	s := NewService("test", cfg, store)
	s.ready.Store(true)
	t.Cleanup(s.cancel)
	return s, store
}

// healthStore is a memdb store that reports a fixed health.
type healthStore struct {
	*memdb.Store
	health db.HealthInfo
}

func (h *healthStore) HealthCheck(ctx context.Context) *db.HealthInfo {
	info := h.health
	return &info
}

// groupedRecords builds tight groups of import records, group g pointing along axis g.
func groupedRecords(entityType, prefix string, seed int64, dims int, sizes ...int) []EntityRecord {
	rng := rand.New(rand.NewSource(seed))
	var out []EntityRecord
	for g, n := range sizes {
		for i := 0; i < n; i++ {
			v := make([]float32, dims)
			for d := range v {
				v[d] = float32(rng.NormFloat64() * 0.02)
			}
			v[g] += 1
			out = append(out, EntityRecord{
				ID:        fmt.Sprintf("%s-g%d-%02d", prefix, g, i),
				Type:      entityType,
				Title:     fmt.Sprintf("%s group %d item %d", prefix, g, i),
				Industry:  "retail",
				Embedding: v,
			})
		}
	}
	return out
}

// do sends a request through the router and returns the recorder.
func do(t *testing.T, s *Service, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "192.0.2.10:41000"
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

// decode unmarshals a recorder body into v.
func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func requireStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	require.Equal(t, status, rr.Code, "%s %s", http.StatusText(rr.Code), rr.Body.String())
}
