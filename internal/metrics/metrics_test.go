package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}
	// Gathering should succeed and return registered metric families.
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	// No samples yet, but families are registered on first use;
	// force a sample so we can verify at least one family appears.
	m.DefinitionReloads.Inc()
	fams, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather after inc failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation(true)
	m.RecordEvaluation(true)
	m.RecordEvaluation(false)

	trueCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("true"))
	falseCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("false"))

	if trueCount != 2 {
		t.Fatalf("expected true count 2, got %v", trueCount)
	}
	if falseCount != 1 {
		t.Fatalf("expected false count 1, got %v", falseCount)
	}
}

func TestResultCacheCounters(t *testing.T) {
	m := New()

	m.IncResultCacheHit()
	m.IncResultCacheHit()
	m.IncResultCacheMiss()

	if v := testutil.ToFloat64(m.ResultCacheHits); v != 2 {
		t.Fatalf("expected hits 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.ResultCacheMisses); v != 1 {
		t.Fatalf("expected misses 1, got %v", v)
	}
}

func TestIncAuditDropped(t *testing.T) {
	m := New()

	m.IncAuditDropped()
	m.IncAuditDropped()

	if v := testutil.ToFloat64(m.AuditDroppedTotal); v != 2 {
		t.Fatalf("expected dropped 2, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.DefinitionReloads.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "flaggate_definition_reloads_total") {
		t.Fatal("expected response to contain flaggate_definition_reloads_total")
	}
}

func TestIncDefinitionReloads(t *testing.T) {
	m := New()

	m.IncDefinitionReloads()
	m.IncDefinitionReloads()

	if v := testutil.ToFloat64(m.DefinitionReloads); v != 2 {
		t.Fatalf("expected reloads 2, got %v", v)
	}
}

func TestIncCacheInvalidations(t *testing.T) {
	m := New()

	m.IncCacheInvalidations()
	m.IncCacheInvalidations()
	m.IncCacheInvalidations()

	if v := testutil.ToFloat64(m.CacheInvalidations); v != 3 {
		t.Fatalf("expected cache invalidations 3, got %v", v)
	}
}
