package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncSessionStart()
	IncStartFailure()
	IncUnexpectedDeath()
	IncFault("SIGSEGV")
	ObserveSettleWait(0.5)
	RecordStateTransition("attached", "faulted")
	SetCurrentState("faulted", true)
	IncTestCase()
	SetCrashBin(2, 5)
	IncHistoryError("sqlite")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"procmon_session_starts_total":            false,
		"procmon_session_start_failures_total":    false,
		"procmon_session_unexpected_deaths_total": false,
		"procmon_session_faults_total":            false,
		"procmon_session_settle_wait_seconds":     false,
		"procmon_session_state_transitions_total": false,
		"procmon_session_current_state":           false,
		"procmon_protocol_test_cases_total":       false,
		"procmon_crashbin_records":                false,
		"procmon_crashbin_keys":                   false,
		"procmon_history_sink_errors_total":       false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncTestCase()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "procmon_protocol_test_cases_total") {
		t.Fatalf("metrics output missing test case counter")
	}
}

func TestSamplerRingBuffer(t *testing.T) {
	s := NewTargetSampler(SamplerConfig{Enabled: true, MaxHistory: 3})
	if len(s.Recent()) != 0 {
		t.Fatalf("empty sampler reported a sample")
	}
	for i := 1; i <= 5; i++ {
		s.record(TargetSample{PID: int32(i), Timestamp: time.Unix(int64(i), 0)})
	}
	recent := s.Recent()
	if len(recent) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(recent))
	}
	for i, want := range []int32{3, 4, 5} {
		if recent[i].PID != want {
			t.Fatalf("sample %d pid = %d, want %d", i, recent[i].PID, want)
		}
	}
}

func TestSamplerReadsOwnProcess(t *testing.T) {
	s := NewTargetSampler(SamplerConfig{Enabled: true, Interval: 20 * time.Millisecond})
	reg := prometheus.NewRegistry()
	if err := s.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	pid := int32(os.Getpid())
	s.collect(pid)
	recent := s.Recent()
	if len(recent) != 1 {
		t.Fatalf("no sample for own pid")
	}
	if recent[0].PID != pid || recent[0].MemoryRSS == 0 {
		t.Fatalf("unexpected sample: %+v", recent[0])
	}

	s.collect(0)
	if len(s.Recent()) != 1 {
		t.Fatalf("sampling without a target should not record")
	}
}

func TestDisabledSamplerIsInert(t *testing.T) {
	s := NewTargetSampler(SamplerConfig{})
	if err := s.Register(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	s.Start(t.Context(), func() int32 { return int32(os.Getpid()) })
	s.Stop()
	if len(s.Recent()) != 0 {
		t.Fatalf("disabled sampler collected samples")
	}
}
