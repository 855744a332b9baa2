package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) Result   { return Result{Status: StatusHealthy} }
func unhealthy(context.Context) Result { return Result{Status: StatusUnhealthy} }

func TestOverallBeforeRun(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusHealthy, c.Overall())

	c.Register(Component{Name: "rules", Critical: true, Check: healthy})
	assert.Equal(t, StatusUnknown, c.Overall())
	assert.Equal(t, DefaultTimeout, c.components["rules"].Timeout)
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name     string
		critical bool
		check    Check
		want     Status
	}{
		{"all healthy", true, healthy, StatusHealthy},
		{"critical failure", true, unhealthy, StatusUnhealthy},
		{"optional failure", false, unhealthy, StatusDegraded},
		{"degraded", true, func(context.Context) Result { return Result{Status: StatusDegraded} }, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.Register(Component{Name: "base", Critical: true, Check: healthy})
			c.Register(Component{Name: "probe", Critical: tt.critical, Check: tt.check})
			c.Run(context.Background())
			assert.Equal(t, tt.want, c.Overall())
		})
	}
}

func TestRunRecoversPanic(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "boom", Critical: true, Check: func(context.Context) Result { panic("bad") }})

	res := c.Run(context.Background())["boom"]
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "check panicked", res.Message)
	assert.Equal(t, "bad", res.Error)
}

func TestRunTimeout(t *testing.T) {
	c := NewChecker()
	c.Register(Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) Result {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return Result{Status: StatusHealthy}
		},
	})

	res := c.Run(context.Background())["slow"]
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "check timed out", res.Message)
	assert.Equal(t, StatusUnhealthy, c.Results()["slow"].Status)
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "redis", Critical: true, Check: unhealthy})

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	c.Run(context.Background())
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.Register(Component{Name: "redis", Critical: true, Check: healthy})
	c.Run(context.Background())
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMountedHandlers(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "rules", Critical: true, Check: healthy})
	c.Register(Component{Name: "redis", Check: unhealthy})
	c.SetReady(true)

	mux := http.NewServeMux()
	c.Mount(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.True(t, resp.Ready)
	assert.Len(t, resp.Components, 2)
	assert.Equal(t, StatusUnhealthy, resp.Components["redis"].Status)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	resp = Response{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Components)
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck(func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := PingCheck(func(context.Context) error { return errors.New("connection refused") })(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "connection refused", bad.Error)
}

func TestRulesCheck(t *testing.T) {
	res := RulesCheck(func() map[string]int { return map[string]int{"heuristic": 6, "signature": 3} })(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, 3, res.Details["signature"])

	res = RulesCheck(func() map[string]int { return map[string]int{"heuristic": 6, "signature": 0} })(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
}

func TestWritableDirCheck(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, WritableDirCheck(dir)(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, WritableDirCheck(filepath.Join(dir, "missing"))(context.Background()).Status)

	matches, err := filepath.Glob(filepath.Join(dir, ".edrcore-health-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDiskSpaceCheck(t *testing.T) {
	dir := t.TempDir()
	res := DiskSpaceCheck(filepath.Join(dir, "reports", "db"), 1<<62)(context.Background())
	if res.Status == StatusUnknown {
		t.Skipf("disk usage unavailable: %s", res.Error)
	}
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, dir, res.Details["path"])

	res = DiskSpaceCheck(dir, 0)(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
}

func TestMemoryCheck(t *testing.T) {
	res := MemoryCheck(101)(context.Background())
	if res.Status == StatusUnknown {
		t.Skipf("memory stats unavailable: %s", res.Error)
	}
	assert.Equal(t, StatusHealthy, res.Status)
}

func TestNames(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "b", Check: healthy})
	c.Register(Component{Name: "a", Check: healthy})
	assert.Equal(t, []string{"a", "b"}, c.Names())
}
