package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Anansitrading/HYPERCOG/internal/agents"
	"github.com/Anansitrading/HYPERCOG/internal/circuitbreaker"
)

func fixed(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		want     CheckStatus
		ready    bool
	}{
		{"none", nil, StatusHealthy, true},
		{"all healthy", []Checker{fixed("a", true, StatusHealthy), fixed("b", false, StatusHealthy)}, StatusHealthy, true},
		{"critical down", []Checker{fixed("a", true, StatusUnhealthy), fixed("b", false, StatusHealthy)}, StatusUnhealthy, false},
		{"non-critical down", []Checker{fixed("a", true, StatusHealthy), fixed("b", false, StatusUnhealthy)}, StatusDegraded, true},
		{"degraded", []Checker{fixed("a", true, StatusDegraded)}, StatusDegraded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}
			overall := m.GetOverallHealth(context.Background())
			assert.Equal(t, tt.want, overall.Status)
			assert.Equal(t, tt.ready, overall.Ready)
			assert.True(t, overall.Live)
		})
	}
}

func TestRegisterChecker(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(fixed("a", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(fixed("a", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(fixed("", true, StatusHealthy)))
	assert.Equal(t, []string{"a"}, m.Names())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker("slow", true, 20*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})))
	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker("boom", false, time.Second, func(context.Context) CheckResult {
		panic("kaput")
	})))

	detailed := m.GetDetailedHealth(context.Background())
	require.Len(t, detailed.Components, 2)
	slow := detailed.Components["slow"]
	assert.Equal(t, StatusUnhealthy, slow.Status)
	assert.Equal(t, "slow", slow.Component)
	assert.True(t, slow.Critical)
	boom := detailed.Components["boom"]
	assert.Equal(t, StatusUnhealthy, boom.Status)
	assert.Equal(t, "kaput", boom.Error)
	assert.Equal(t, 2, detailed.Summary.Unhealthy)
	assert.Len(t, m.GetLastResults(), 2)
}

func TestRedisChecker(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	checker := NewRedisHealthChecker(circuitbreaker.NewRedisWrapper(client, "health-test", zaptest.NewLogger(t)), true)

	res := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	s.Close()
	res = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NotEmpty(t, res.Error)

	assert.Equal(t, StatusUnhealthy, NewRedisHealthChecker(nil, true).Check(context.Background()).Status)
}

func TestDatabaseChecker(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	wrapper := circuitbreaker.NewDatabaseWrapper(sqlx.NewDb(raw, "sqlmock"), zaptest.NewLogger(t))
	checker := NewDatabaseHealthChecker(wrapper, false)

	mock.ExpectPing()
	res := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Contains(t, res.Details, "open_connections")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLLMChecker(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	res := NewLLMHealthChecker(srv.URL+"/v1/", "sk-test").Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "Bearer sk-test", auth)

	res = NewLLMHealthChecker(srv.URL, "sk-test").Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)

	assert.Equal(t, StatusUnknown, NewLLMHealthChecker("", "").Check(context.Background()).Status)
}

type upAgent struct{ name string }

func (u upAgent) Name() string    { return u.name }
func (u upAgent) Available() bool { return true }
func (u upAgent) Search(context.Context, []string) []agents.Result {
	return nil
}

func TestAgentsChecker(t *testing.T) {
	reg := agents.NewRegistry(upAgent{agents.WebResearch}, agents.NewUnavailable(agents.KnowledgeGraph, "no endpoint"))
	res := NewAgentsHealthChecker(reg).Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, false, res.Details[agents.KnowledgeGraph])

	res = NewAgentsHealthChecker(agents.NewRegistry(upAgent{agents.WebResearch})).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	res = NewAgentsHealthChecker(agents.NewRegistry(agents.NewUnavailable(agents.VectorSearch, "x"))).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
}

func TestBreakersChecker(t *testing.T) {
	states := map[string]circuitbreaker.State{"llm:llm": circuitbreaker.StateClosed}
	checker := &BreakersHealthChecker{snapshot: func() map[string]circuitbreaker.State { return states }}
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	states["redis:session-store"] = circuitbreaker.StateOpen
	res := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "open", res.Details["redis:session-store"])
}

func TestHTTPHandlers(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(fixed("store", true, StatusUnhealthy)))
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)

	rec := get("/health/detailed")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Overall struct {
			Status string `json:"status"`
		} `json:"overall"`
		Components map[string]struct {
			Status string `json:"status"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Overall.Status)
	assert.Equal(t, "unhealthy", body.Components["store"].Status)

	rec = get("/health/detailed?cached=true")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartStop(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.SetCheckInterval(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}
