// README: Acceptance cases: environment, migration, ride lifecycle, races and request throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
			defer db.Close()
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
		defer r.redis.Close()
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency.Round(time.Microsecond))
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusSkip, Note: "no dsn"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			return check(r.db.Ping(ctx))
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: statusSkip, Note: "no redis addr"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			return check(r.redis.Ping(ctx).Err())
		}},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			status, _, err := r.do(ctx, http.MethodGet, "/health", nil)
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return expectStatus(status, time.Since(start), http.StatusOK)
		}},
		{Name: "Ride: request (valid -> 201, open, priced)", Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			status, body, err := r.do(ctx, http.MethodPost, "/api/rides", rideBody(newRider(), 6))
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			if status != http.StatusCreated {
				return Result{Status: statusFail, Note: fmt.Sprintf("status=%d", status)}
			}
			var q struct {
				Ride rideView `json:"ride"`
			}
			if err := json.Unmarshal(body, &q); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			if q.Ride.State != "open" || q.Ride.QuotedPrice == nil || q.Ride.AdjustmentSource == "" {
				return Result{Status: statusFail, Note: fmt.Sprintf("unexpected ride %+v", q.Ride)}
			}
			return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("price=%.2f source=%s", *q.Ride.QuotedPrice, q.Ride.AdjustmentSource)}
		}},
		statusCase("Ride: request (missing fields -> 400)", http.MethodPost, "/api/rides", map[string]any{}, http.StatusBadRequest),
		statusCase("Ride: request (negative distance -> 400)", http.MethodPost, "/api/rides", rideBody(newRider(), -1), http.StatusBadRequest),
		statusCase("Ride: unknown id -> 404", http.MethodGet, "/api/rides/"+uuid.NewString(), nil, http.StatusNotFound),
		{Name: "Ride: duplicate submission returns same ride", Run: duplicateSubmission},
		{Name: "Ride: reject keeps ride open", Run: rejectKeepsOpen},
		statusCase("Estimate: 2 km -> 200", http.MethodPost, "/api/rides/estimate", map[string]any{
			"origin": map[string]float64{"lat": 12.9716, "lng": 77.5946}, "distance_km": 2,
		}, http.StatusOK),
		{Name: "Race: concurrent accept has one winner", Run: concurrentAccept},
		{Name: "Race: accept vs cancel has one winner", Run: acceptVersusCancel},
		{Name: "Consistency: ledger row matches API", Run: ledgerRowMatches},
		{Name: "Consistency: dedup reservation in redis", Run: dedupReservation},
		{Name: "Perf: request ride throughput", Run: requestThroughput},
	}
}

type rideView struct {
	ID               string   `json:"id"`
	State            string   `json:"state"`
	QuotedPrice      *float64 `json:"quoted_price"`
	AdjustmentSource string   `json:"adjustment_source"`
	ClaimedBy        *string  `json:"claimed_by"`
	Version          int      `json:"version"`
}

func newRider() string { return "bench-" + uuid.NewString()[:8] }

func rideBody(rider string, distanceKm float64) map[string]any {
	return map[string]any{
		"rider_id":    rider,
		"origin":      map[string]float64{"lat": 12.9716, "lng": 77.5946},
		"destination": "Kempegowda International Airport",
		"distance_km": distanceKm,
	}
}

func (r *Runner) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

// openRide requests a fresh ride and returns its id.
func (r *Runner) openRide(ctx context.Context) (string, string, error) {
	rider := newRider()
	status, body, err := r.do(ctx, http.MethodPost, "/api/rides", rideBody(rider, 5))
	if err != nil {
		return "", "", err
	}
	if status != http.StatusCreated {
		return "", "", fmt.Errorf("create ride: status=%d body=%s", status, body)
	}
	var q struct {
		Ride rideView `json:"ride"`
	}
	if err := json.Unmarshal(body, &q); err != nil {
		return "", "", err
	}
	return q.Ride.ID, rider, nil
}

func (r *Runner) ride(ctx context.Context, id string) (rideView, error) {
	var v rideView
	status, body, err := r.do(ctx, http.MethodGet, "/api/rides/"+id, nil)
	if err != nil {
		return v, err
	}
	if status != http.StatusOK {
		return v, fmt.Errorf("get ride: status=%d", status)
	}
	return v, json.Unmarshal(body, &v)
}

func statusCase(name, method, path string, body any, want int) TestCase {
	return TestCase{Name: name, Run: func(ctx context.Context, r *Runner) Result {
		start := time.Now()
		status, _, err := r.do(ctx, method, path, body)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		return expectStatus(status, time.Since(start), want)
	}}
}

func expectStatus(got int, latency time.Duration, want int) Result {
	if got != want {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", got, want)}
	}
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", got)}
}

func check(err error) Result {
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func duplicateSubmission(ctx context.Context, r *Runner) Result {
	body := rideBody(newRider(), 7)
	_, first, err := r.do(ctx, http.MethodPost, "/api/rides", body)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	status, second, err := r.do(ctx, http.MethodPost, "/api/rides", body)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	var a, b struct {
		Ride      rideView `json:"ride"`
		Duplicate bool     `json:"duplicate"`
	}
	_ = json.Unmarshal(first, &a)
	_ = json.Unmarshal(second, &b)
	if status != http.StatusOK || !b.Duplicate || a.Ride.ID == "" || a.Ride.ID != b.Ride.ID {
		return Result{Status: statusFail, Note: fmt.Sprintf("status=%d first=%s second=%s", status, a.Ride.ID, b.Ride.ID)}
	}
	return Result{Status: statusPass, Note: "id=" + a.Ride.ID}
}

func rejectKeepsOpen(ctx context.Context, r *Runner) Result {
	id, _, err := r.openRide(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	status, _, err := r.do(ctx, http.MethodPost, "/api/drivers/rides/"+id+"/reject", map[string]string{"driver_id": "bench-driver-r"})
	if err != nil || status != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("status=%d err=%v", status, err)}
	}
	v, err := r.ride(ctx, id)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if v.State != "open" {
		return Result{Status: statusFail, Note: "state=" + v.State}
	}
	return Result{Status: statusPass}
}

func concurrentAccept(ctx context.Context, r *Runner) Result {
	id, _, err := r.openRide(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}

	var won, claimed, other int64
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, body, err := r.do(ctx, http.MethodPost, "/api/drivers/rides/"+id+"/accept",
				map[string]string{"driver_id": fmt.Sprintf("bench-driver-%d", i)})
			switch {
			case err == nil && status == http.StatusOK:
				atomic.AddInt64(&won, 1)
			case err == nil && status == http.StatusConflict && strings.Contains(string(body), "already_claimed"):
				atomic.AddInt64(&claimed, 1)
			default:
				atomic.AddInt64(&other, 1)
			}
		}(i)
	}
	wg.Wait()

	note := fmt.Sprintf("won=%d already_claimed=%d other=%d", won, claimed, other)
	if won != 1 || other != 0 {
		return Result{Status: statusFail, Latency: time.Since(start), Note: note}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: note}
}

func acceptVersusCancel(ctx context.Context, r *Runner) Result {
	id, rider, err := r.openRide(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}

	var acceptStatus, cancelStatus int
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		acceptStatus, _, _ = r.do(ctx, http.MethodPost, "/api/drivers/rides/"+id+"/accept", map[string]string{"driver_id": "bench-driver-c"})
	}()
	go func() {
		defer wg.Done()
		cancelStatus, _, _ = r.do(ctx, http.MethodPost, "/api/rides/"+id+"/cancel", map[string]string{"rider_id": rider})
	}()
	wg.Wait()

	v, err := r.ride(ctx, id)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	note := fmt.Sprintf("accept=%d cancel=%d state=%s", acceptStatus, cancelStatus, v.State)
	okAccept := acceptStatus == http.StatusOK && cancelStatus == http.StatusConflict && v.State == "accepted"
	okCancel := cancelStatus == http.StatusOK && acceptStatus == http.StatusConflict && v.State == "cancelled"
	if !okAccept && !okCancel {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func ledgerRowMatches(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "no dsn"}
	}
	id, _, err := r.openRide(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status, _, err := r.do(ctx, http.MethodPost, "/api/drivers/rides/"+id+"/accept", map[string]string{"driver_id": "bench-driver-db"}); err != nil || status != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("accept status=%d err=%v", status, err)}
	}
	api, err := r.ride(ctx, id)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}

	var state string
	var version int
	var claimedBy *string
	if err := r.db.QueryRow(ctx,
		"SELECT state, version, claimed_by FROM ride_requests WHERE id=$1", id,
	).Scan(&state, &version, &claimedBy); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	var transitions int
	if err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM ride_state_events WHERE ride_id=$1", id,
	).Scan(&transitions); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if state != api.State || version != api.Version || claimedBy == nil || *claimedBy != "bench-driver-db" {
		return Result{Status: statusFail, Note: fmt.Sprintf("db=%s/v%d api=%s/v%d", state, version, api.State, api.Version)}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("version=%d events=%d", version, transitions)}
}

func dedupReservation(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "no redis addr"}
	}
	if _, _, err := r.openRide(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	keys, _, err := r.redis.Scan(ctx, 0, "ride:dedup:*", 100).Result()
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if len(keys) == 0 {
		return Result{Status: statusFail, Note: "no reservation keys"}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("keys>=%d", len(keys))}
}

func requestThroughput(ctx context.Context, r *Runner) Result {
	end := time.Now().Add(r.cfg.Duration)
	var created, failed int64
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, err := r.do(ctx, http.MethodPost, "/api/rides", rideBody(newRider(), 4))
				if err != nil || status != http.StatusCreated {
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&created, 1)
			}
		}()
	}
	wg.Wait()

	if created == 0 {
		return Result{Status: statusFail, Note: "no rides created"}
	}
	rps := float64(created) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f failed=%d", rps, failed)}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: statusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	return Result{Status: statusPass}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "no dsn"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		if err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
		).Scan(&exists); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: strings.Join(tables, ",")}
}

var createTableRe = regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	matches := createTableRe.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
