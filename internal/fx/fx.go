// Package fx is the USD to IDR rate oracle. Resolution order per call:
// in-memory cache within TTL, a fresh fetch from the upstream source, the
// persisted rate if its age is bounded, and finally a fixed placeholder.
// The oracle never fails; a rate always comes back.
package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kertaslab/papergate/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Pair is the only currency pair the gateway prices in.
const Pair = "USD_IDR"

// Rate sources reported in audit records.
const (
	SourceUpstream    = "upstream"
	SourceDB          = "db"
	SourcePlaceholder = "placeholder"
)

// Rate is a resolved exchange rate with its provenance.
type Rate struct {
	Rate   float64
	AsOf   time.Time
	Source string
}

// Oracle resolves USD to IDR rates with caching and layered fallback.
type Oracle struct {
	db             *gorm.DB
	client         *http.Client
	sourceURL      string
	cacheTTL       time.Duration
	maxDBAge       time.Duration
	placeholderIDR float64

	mu      sync.Mutex
	cached  Rate
	expires time.Time
}

// New constructs an Oracle. sourceURL must return a frankfurter-style JSON
// body ({"date": "...", "rates": {"IDR": n}}).
func New(conn *gorm.DB, sourceURL string, cacheTTL, maxDBAge time.Duration, placeholderIDR float64) *Oracle {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	if maxDBAge <= 0 {
		maxDBAge = 24 * time.Hour
	}
	return &Oracle{
		db:             conn,
		client:         &http.Client{Timeout: 10 * time.Second},
		sourceURL:      sourceURL,
		cacheTTL:       cacheTTL,
		maxDBAge:       maxDBAge,
		placeholderIDR: placeholderIDR,
	}
}

// saneRate rejects rates that cannot plausibly be USD/IDR.
func saneRate(rate float64) bool {
	return rate > 1_000 && rate < 100_000
}

// Current returns the USD to IDR rate. It never returns an error; the
// placeholder rate is the terminal fallback.
func (o *Oracle) Current(ctx context.Context) Rate {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now().UTC()
	if !o.expires.IsZero() && now.Before(o.expires) {
		return o.cached
	}

	fresh, errFetch := o.fetch(ctx)
	if errFetch == nil && saneRate(fresh.Rate) {
		o.persist(ctx, fresh)
		o.cacheSet(fresh, now)
		log.WithFields(log.Fields{"rate": fresh.Rate, "source": fresh.Source}).Info("fx rate refreshed")
		return fresh
	}
	if errFetch == nil {
		errFetch = fmt.Errorf("fx: rate %v out of range", fresh.Rate)
	}
	log.WithError(errFetch).Warn("fx fetch failed, falling back")

	if stored, ok := o.loadStored(ctx); ok && saneRate(stored.Rate) && now.Sub(stored.AsOf) <= o.maxDBAge {
		stored.Source = SourceDB
		o.cacheSet(stored, now)
		log.WithFields(log.Fields{"rate": stored.Rate, "as_of": stored.AsOf}).Info("fx rate from store")
		return stored
	}

	placeholder := Rate{Rate: o.placeholderIDR, AsOf: now, Source: SourcePlaceholder}
	o.cacheSet(placeholder, now)
	log.WithField("rate", placeholder.Rate).Warn("fx placeholder rate in use")
	return placeholder
}

func (o *Oracle) cacheSet(r Rate, now time.Time) {
	o.cached = r
	o.expires = now.Add(o.cacheTTL)
}

type upstreamBody struct {
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

func (o *Oracle) fetch(ctx context.Context) (Rate, error) {
	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, o.sourceURL, nil)
	if errReq != nil {
		return Rate{}, fmt.Errorf("fx: build request: %w", errReq)
	}
	resp, errDo := o.client.Do(req)
	if errDo != nil {
		return Rate{}, fmt.Errorf("fx: fetch: %w", errDo)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Rate{}, fmt.Errorf("fx: fetch status %d", resp.StatusCode)
	}

	var body upstreamBody
	if errDecode := json.NewDecoder(resp.Body).Decode(&body); errDecode != nil {
		return Rate{}, fmt.Errorf("fx: decode: %w", errDecode)
	}
	rate, ok := body.Rates["IDR"]
	if !ok {
		return Rate{}, fmt.Errorf("fx: response missing IDR rate")
	}

	asOf := time.Now().UTC()
	if body.Date != "" {
		if parsed, errParse := time.Parse("2006-01-02", body.Date); errParse == nil {
			asOf = parsed.UTC()
		}
	}
	return Rate{Rate: rate, AsOf: asOf, Source: SourceUpstream}, nil
}

// persist writes the fetched rate for the DB fallback path. Failure here is
// logged, not propagated; the fresh rate is still served.
func (o *Oracle) persist(ctx context.Context, r Rate) {
	row := models.FxRate{Pair: Pair, Rate: r.Rate, AsOf: r.AsOf, Source: r.Source}
	errSave := o.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pair"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if errSave != nil {
		log.WithError(errSave).Warn("fx rate persist failed")
	}
}

func (o *Oracle) loadStored(ctx context.Context) (Rate, bool) {
	var row models.FxRate
	errFind := o.db.WithContext(ctx).Where("pair = ?", Pair).Take(&row).Error
	if errFind != nil {
		if errFind != gorm.ErrRecordNotFound {
			log.WithError(errFind).Warn("fx rate load failed")
		}
		return Rate{}, false
	}
	return Rate{Rate: row.Rate, AsOf: row.AsOf, Source: row.Source}, true
}
