// Booking race simulator. Hammers the book endpoint with many workers
// racing over a deliberately small window of open slots, then audits the
// database for double bookings. Exits non-zero if any slot ended up with
// more than one live appointment.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicbook/booking-engine/internal/config"
	"github.com/clinicbook/booking-engine/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	PatientLimit int
	SlotWindow   int
	CancelRatio  float64
	PostgresDSN  string
}

type slotTarget struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
}

type DataPool struct {
	Patients []uuid.UUID
	Slots    []slotTarget

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rand.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	Latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	return avg, p50, p95
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	booking OperationMetrics
	cancels OperationMetrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadSimConfig()

	log.Printf("config: duration=%s workers=%d slot_window=%d cancel_ratio=%.2f",
		cfg.Duration, cfg.Workers, cfg.SlotWindow, cfg.CancelRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded: %d patients, %d contested slots", len(dataPool.Patients), len(dataPool.Slots))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	sim.Run()
	sim.PrintReport()

	doubles, err := auditDoubleBookings(context.Background(), pgPool)
	if err != nil {
		log.Fatalf("audit query: %v", err)
	}
	if doubles > 0 {
		log.Fatalf("AUDIT FAILED: %d slots have more than one live appointment", doubles)
	}
	log.Println("audit passed: no slot has more than one live appointment")
}

func loadSimConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	return SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
		SlotWindow:   getInt("SIM_SLOT_WINDOW", 50),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.2),
		PostgresDSN:  baseCfg.PostgresDSN,
	}
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	// A small window of open slots so workers actually collide.
	slotRows, err := pool.Query(ctx, `
		SELECT id, doctor_id FROM time_slots
		WHERE state = 'open' AND start_time > now()
		ORDER BY start_time
		LIMIT $1
	`, cfg.SlotWindow)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer slotRows.Close()
	for slotRows.Next() {
		var st slotTarget
		if err := slotRows.Scan(&st.ID, &st.DoctorID); err != nil {
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, st)
	}

	if len(dataPool.Patients) == 0 || len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no patients or open slots, run the seed tool first")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	deadline := time.Now().Add(s.config.Duration)
	var wg sync.WaitGroup

	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if rand.Float64() < s.config.CancelRatio {
					s.doCancel()
				} else {
					s.doBook()
				}
			}
		}()
	}

	wg.Wait()
}

func (s *Simulator) doBook() {
	patient := s.pool.Patients[rand.Intn(len(s.pool.Patients))]
	target := s.pool.Slots[rand.Intn(len(s.pool.Slots))]

	body, _ := json.Marshal(map[string]string{
		"doctor_id":         target.DoctorID.String(),
		"time_slot_id":      target.ID.String(),
		"consultation_type": "first_visit",
		"symptoms":          "simulated booking",
	})

	req, err := http.NewRequest(http.MethodPost, s.config.APIBaseURL+"/appointments/book", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Patient-ID", patient.String())

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.booking.Record(latency, false, false)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusCreated:
		var parsed struct {
			AppointmentID uuid.UUID `json:"appointment_id"`
		}
		if json.NewDecoder(resp.Body).Decode(&parsed) == nil && parsed.AppointmentID != uuid.Nil {
			s.pool.AddAppointment(parsed.AppointmentID)
		}
		s.booking.Record(latency, true, false)
	case http.StatusConflict:
		s.booking.Record(latency, false, true)
	default:
		s.booking.Record(latency, false, false)
	}
}

func (s *Simulator) doCancel() {
	apptID, ok := s.pool.RandomAppointment()
	if !ok {
		return
	}

	body, _ := json.Marshal(map[string]string{"cancellation_reason": "simulated cancel"})
	req, err := http.NewRequest(http.MethodPut, s.config.APIBaseURL+"/appointments/"+apptID.String()+"/cancel", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	// Random identity: cancels on someone else's booking come back 403
	// and count as conflicts.
	req.Header.Set("X-Patient-ID", uuid.NewString())

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.cancels.Record(latency, false, false)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		s.cancels.Record(latency, true, false)
	case http.StatusConflict, http.StatusForbidden:
		s.cancels.Record(latency, false, true)
	default:
		s.cancels.Record(latency, false, false)
	}
}

func (s *Simulator) PrintReport() {
	printOp := func(name string, om *OperationMetrics) {
		avg, p50, p95 := om.Stats()
		fmt.Printf("%-10s total=%d success=%d conflict=%d error=%d avg=%s p50=%s p95=%s\n",
			name, om.Total, om.Success, om.Conflict, om.Error, avg, p50, p95)
	}
	fmt.Println("---- simulation report ----")
	printOp("book", &s.booking)
	printOp("cancel", &s.cancels)
}

// auditDoubleBookings counts slots referenced by more than one pending or
// confirmed appointment. Anything above zero is a correctness bug in the
// reservation path.
func auditDoubleBookings(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT slot_id FROM appointments
			WHERE status IN ('pending', 'confirmed')
			GROUP BY slot_id
			HAVING count(*) > 1
		) doubles
	`).Scan(&count)
	return count, err
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
