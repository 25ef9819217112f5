package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/INLOpen/nexusarchive/config"
	"github.com/INLOpen/nexusarchive/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveRecord("plant")

	ms := NewMetricsServer(config.MetricsConfig{MonitorUIEnabled: true}, reg, discard)
	ts := httptest.NewServer(ms.Handler())
	defer ts.Close()

	code, body := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `nexusarchive_recorder_records_total{segment="plant"} 1`)

	code, body = get(t, ts.URL+"/debug/vars")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "memstats")

	code, _ = get(t, ts.URL+"/viz/")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get(t, ts.URL+"/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, code, "pprof is off unless enabled")
}

func TestMetricsServer_ServeAndStop(t *testing.T) {
	reg := prometheus.NewRegistry()
	ms := NewMetricsServer(config.MetricsConfig{PProfEnabled: true}, reg, discard)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- ms.Serve(ln) }()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/debug/pprof/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	ms.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	ms.Stop()
}

func TestSystemCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	clock := clockwork.NewFakeClock()
	sc := NewSystemCollector(reg, t.TempDir(), time.Minute, clock, discard)

	sc.Start()
	assert.Greater(t, testutil.ToFloat64(sc.diskFreeBytes), 0.0, "first sample is taken on start")
	assert.Greater(t, testutil.ToFloat64(sc.memUsagePercent), 0.0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	sc.Stop()
	sc.Stop()

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}
