package fx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kertaslab/papergate/internal/db"
	"github.com/kertaslab/papergate/internal/models"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func TestCurrentFetchesAndCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"date":"2024-01-01","rates":{"IDR":15750.5}}`))
	}))
	defer srv.Close()

	conn := newTestDB(t)
	o := New(conn, srv.URL, time.Hour, 24*time.Hour, 16_500)

	first := o.Current(context.Background())
	if first.Rate != 15750.5 || first.Source != SourceUpstream {
		t.Fatalf("unexpected rate: %+v", first)
	}

	second := o.Current(context.Background())
	if second.Rate != 15750.5 {
		t.Fatalf("unexpected cached rate: %+v", second)
	}
	if calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", calls)
	}

	var stored models.FxRate
	if errFind := conn.Where("pair = ?", Pair).Take(&stored).Error; errFind != nil {
		t.Fatalf("rate not persisted: %v", errFind)
	}
	if stored.Rate != 15750.5 {
		t.Fatalf("persisted rate mismatch: %v", stored.Rate)
	}
}

func TestCurrentFallsBackToStoredRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	conn := newTestDB(t)
	seed := models.FxRate{Pair: Pair, Rate: 15_900, AsOf: time.Now().UTC().Add(-2 * time.Hour), Source: SourceUpstream}
	if errSeed := conn.Create(&seed).Error; errSeed != nil {
		t.Fatalf("seed rate: %v", errSeed)
	}

	o := New(conn, srv.URL, time.Hour, 24*time.Hour, 16_500)
	got := o.Current(context.Background())
	if got.Rate != 15_900 || got.Source != SourceDB {
		t.Fatalf("expected stored fallback, got %+v", got)
	}
}

func TestCurrentIgnoresStaleStoredRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	conn := newTestDB(t)
	seed := models.FxRate{Pair: Pair, Rate: 15_900, AsOf: time.Now().UTC().Add(-48 * time.Hour), Source: SourceUpstream}
	if errSeed := conn.Create(&seed).Error; errSeed != nil {
		t.Fatalf("seed rate: %v", errSeed)
	}

	o := New(conn, srv.URL, time.Hour, 24*time.Hour, 16_500)
	got := o.Current(context.Background())
	if got.Rate != 16_500 || got.Source != SourcePlaceholder {
		t.Fatalf("expected placeholder, got %+v", got)
	}
}

func TestCurrentRejectsInsaneRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"date":"2024-01-01","rates":{"IDR":3}}`))
	}))
	defer srv.Close()

	conn := newTestDB(t)
	o := New(conn, srv.URL, time.Hour, 24*time.Hour, 16_500)

	got := o.Current(context.Background())
	if got.Source != SourcePlaceholder {
		t.Fatalf("out-of-range rate must not be served: %+v", got)
	}
}

func TestCurrentPlaceholderWhenNothingElse(t *testing.T) {
	conn := newTestDB(t)
	o := New(conn, "http://127.0.0.1:1/unreachable", time.Hour, 24*time.Hour, 16_500)

	got := o.Current(context.Background())
	if got.Rate != 16_500 || got.Source != SourcePlaceholder {
		t.Fatalf("expected placeholder, got %+v", got)
	}
}
