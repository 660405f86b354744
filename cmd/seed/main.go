package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicbook/booking-engine/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	doctorIDs, err := seedDoctors(context.Background(), pool, 50)
	if err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 2000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedSlots(context.Background(), pool, doctorIDs, 14); err != nil {
		log.Fatalf("seed slots: %v", err)
	}

	log.Println("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d doctors", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	consultationTypes := []string{"first_visit", "follow_up", "report_review"}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := "Dr. " + gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, spec)
		if err != nil {
			return nil, err
		}

		// One fee row per consultation type, first visits priced highest.
		base := int64(gofakeit.Number(800, 2500)) * 100
		for j, ct := range consultationTypes {
			amount := base - int64(j)*20000
			if amount < 50000 {
				amount = 50000
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO consultation_fees (id, doctor_id, consultation_type, amount_cents, currency)
				VALUES ($1, $2, $3, $4, 'NPR')
			`, uuid.New(), id, ct, amount)
			if err != nil {
				return nil, err
			}
		}

		ids = append(ids, id)
	}

	return ids, tx.Commit(ctx)
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		_, err := tx.Exec(ctx, `
			INSERT INTO patients (id, name, email, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, uuid.New(), gofakeit.Name(), gofakeit.Email())
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// seedSlots creates an open 30-minute slot grid, 09:00 to 17:00, for each
// doctor for the next `days` days.
func seedSlots(ctx context.Context, pool *pgxpool.Pool, doctorIDs []uuid.UUID, days int) error {
	log.Printf("seeding slot grids for %d doctors over %d days", len(doctorIDs), days)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	today := time.Now().Truncate(24 * time.Hour)
	for _, doctorID := range doctorIDs {
		for d := 1; d <= days; d++ {
			day := today.AddDate(0, 0, d)
			for hour := 9; hour < 17; hour++ {
				for _, minute := range []int{0, 30} {
					start := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.Local)
					_, err := tx.Exec(ctx, `
						INSERT INTO time_slots (id, doctor_id, slot_date, start_time, end_time, state, created_at, updated_at)
						VALUES ($1, $2, $3, $4, $5, 'open', now(), now())
					`, uuid.New(), doctorID, day, start, start.Add(30*time.Minute))
					if err != nil {
						return err
					}
				}
			}
		}
	}

	return tx.Commit(ctx)
}
