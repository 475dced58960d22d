package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/config"
	"alertflow/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serviceConfig = `[service]
workers = 2

[log.console]
enabled = true
level = "error"

[store]
dsn = "file:%s?mode=memory&cache=shared"

[realtime.ws]
enabled = true
path = "/ws"

[rule.zabbix_cpu]
tenant = "acme"
source = "zabbix"
dedupe_key = "{{source}}:{{triggerid}}"
policy = "oncall"

[rule.zabbix_cpu.match]
status = ["PROBLEM", "OK"]
priority = 4

[policy.oncall]
tenant = "acme"

[[policy.oncall.step]]
order = 1
channel = "email"
target = "ops@example.com"

[[policy.oncall.step]]
order = 2
channel = "webhook"
delay_sec = 300
target = { url = "https://hooks.example/alert" }
`

func newTestService(t *testing.T) *Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "alertflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(serviceConfig, uuid.NewString())), 0o644))
	source, err := config.FromCLI(path, "")
	require.NoError(t, err)

	service, err := NewService(context.Background(), source, clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.shutdown() })
	return service
}

func TestServiceIngestMaterializesEscalation(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	server := httptest.NewServer(service.Handler())
	defer server.Close()

	body := `{"source":"zabbix","triggerid":"T1","status":"PROBLEM","priority":4,"trigger_name":"CPU high"}`
	response, err := server.Client().Post(server.URL+"/ingest", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)

	var batch domain.BatchResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&batch))
	require.Len(t, batch.Results, 1)
	assert.Equal(t, domain.ActionOpened, batch.Results[0].Action)

	notifications, err := service.store.ListNotifications(context.Background(), batch.Results[0].AlertID)
	require.NoError(t, err)
	require.Len(t, notifications, 2)
	assert.Equal(t, "email", notifications[0].Channel)
	assert.Equal(t, "webhook", notifications[1].Channel)

	metricsResponse, err := server.Client().Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResponse.Body.Close()
	exposition, err := io.ReadAll(metricsResponse.Body)
	require.NoError(t, err)
	assert.Contains(t, string(exposition), `alertflow_events_processed_total{action="opened"} 1`)
	assert.Contains(t, string(exposition), "alertflow_notifications_materialized_total 2")
}

func TestServiceReadinessFollowsRunState(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	recorder := httptest.NewRecorder()
	service.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	service.readyFlag.Store(true)
	recorder = httptest.NewRecorder()
	service.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestServiceRejectsUnreachableRealtimeRedis(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadSnapshot(writeServiceConfig(t, `[store]
dsn = "file:`+uuid.NewString()+`?mode=memory&cache=shared"

[log.console]
enabled = true
level = "error"

[realtime]
publish_timeout_ms = 100

[realtime.redis]
enabled = true
addr = "127.0.0.1:1"
`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = NewServiceFromConfig(ctx, cfg, nil)
	assert.Error(t, err)
}

func writeServiceConfig(t *testing.T, content string) config.ConfigSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alertflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return config.ConfigSource{File: path}
}
