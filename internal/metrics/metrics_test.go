package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・ラベルのメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordLogin_CountsByMethodAndOutcome はログイン数が認証方式・結果別に記録されることを検証する。
func TestRecordLogin_CountsByMethodAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("local", OutcomeSuccess)
	c.RecordLogin("local", OutcomeSuccess)
	c.RecordLogin("federated", OutcomeFailure)

	m := findMetric(t, reg, "authfacade_login_total", map[string]string{"method": "local", "outcome": "success"})
	if m == nil {
		t.Fatal("local/success metric not found")
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("local/success = %v, want 2", v)
	}

	m = findMetric(t, reg, "authfacade_login_total", map[string]string{"method": "federated", "outcome": "failure"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("federated/failure metric = %v, want 1", m)
	}
}

// TestRecordRefresh_CountsByOutcome はリフレッシュ数が結果別に記録されることを検証する。
func TestRecordRefresh_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRefresh(OutcomeSuccess)
	c.RecordRefresh(OutcomeFailure)
	c.RecordRefresh(OutcomeFailure)

	m := findMetric(t, reg, "authfacade_refresh_total", map[string]string{"outcome": "failure"})
	if m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("refresh failure metric = %v, want 2", m)
	}
}

// TestRecordLogout_LabelsScope はログアウトの範囲ラベルを検証する。
func TestRecordLogout_LabelsScope(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogout(false)
	c.RecordLogout(true)

	for _, scope := range []string{"session", "all"} {
		m := findMetric(t, reg, "authfacade_logout_total", map[string]string{"scope": scope})
		if m == nil || m.GetCounter().GetValue() != 1 {
			t.Errorf("logout scope=%s metric = %v, want 1", scope, m)
		}
	}
}

// TestRecordTokenRejected_CountsByReason は拒否理由別のカウントを検証する。
func TestRecordTokenRejected_CountsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTokenRejected("expired")
	c.RecordTokenRejected("signature_invalid")
	c.RecordTokenRejected("expired")

	m := findMetric(t, reg, "authfacade_token_rejected_total", map[string]string{"reason": "expired"})
	if m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("expired metric = %v, want 2", m)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はステータスコード別カウンタを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(401)

	tests := []struct {
		code string
		want float64
	}{
		{"200", 2},
		{"401", 1},
	}
	for _, tt := range tests {
		m := findMetric(t, reg, "authfacade_http_status_total", map[string]string{"status_code": tt.code})
		if m == nil {
			t.Errorf("status_code=%s not found", tt.code)
			continue
		}
		if v := m.GetCounter().GetValue(); v != tt.want {
			t.Errorf("status_code=%s = %v, want %v", tt.code, v, tt.want)
		}
	}
}

// TestRecordExchangeLatency_ObservesHistogram は交換レイテンシのヒストグラムを検証する。
func TestRecordExchangeLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordExchangeLatency(150 * time.Millisecond)
	c.RecordExchangeLatency(2 * time.Second)

	m := findMetric(t, reg, "authfacade_provider_exchange_latency_seconds", nil)
	if m == nil {
		t.Fatal("latency metric not found")
	}
	h := m.GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if sum := h.GetSampleSum(); sum < 2.14 || sum > 2.16 {
		t.Errorf("sample sum = %v, want ~2.15", sum)
	}
}

// TestRecordRevocationsPurged_AddsCount は削除件数の加算を検証する。
func TestRecordRevocationsPurged_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRevocationsPurged(5)
	c.RecordRevocationsPurged(0)
	c.RecordRevocationsPurged(3)

	m := findMetric(t, reg, "authfacade_revocations_purged_total", nil)
	if m == nil || m.GetCounter().GetValue() != 8 {
		t.Errorf("purged metric = %v, want 8", m)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat はHandlerがテキスト形式で出力することを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordLogin("local", OutcomeSuccess)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `authfacade_login_total{method="local",outcome="success"} 1`) {
		t.Errorf("unexpected body:\n%s", body)
	}
}

// TestNop_DoesNotPanic はNopが全メソッドを受け付けることを検証する。
func TestNop_DoesNotPanic(t *testing.T) {
	var c MetricsCollector = Nop{}
	c.RecordLogin("local", OutcomeSuccess)
	c.RecordRefresh(OutcomeFailure)
	c.RecordLogout(true)
	c.RecordTokenRejected("expired")
	c.RecordExchangeLatency(time.Second)
	c.RecordHTTPStatus(500)
	c.RecordRevocationsPurged(1)
}

// TestMultipleCollectors_IndependentRegistries はレジストリごとに独立して登録できることを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()

	c1 := NewCollector(reg1)
	_ = NewCollector(reg2)

	c1.RecordRefresh(OutcomeSuccess)

	if m := findMetric(t, reg2, "authfacade_refresh_total", map[string]string{"outcome": "success"}); m != nil {
		t.Error("reg2 should not observe reg1 metrics")
	}
}
