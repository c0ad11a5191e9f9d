package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/telemed-scheduling/internal/db"
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

	clinicianIDs, err := seedClinicians(context.Background(), pool, 100)
	if err != nil {
		log.Fatalf("seed clinicians: %v", err)
	}
	if err := seedTemplates(context.Background(), pool, clinicianIDs); err != nil {
		log.Fatalf("seed templates: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 9000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

func seedClinicians(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d clinicians", count)

	specialties := []string{
		"dermatology",
		"cardiology",
		"general practice",
		"orthopedics",
		"endocrinology",
		"neurology",
		"pediatrics",
		"psychiatry",
		"ophthalmology",
		"ent",
	}
	timezones := []string{
		"Europe/Dublin",
		"Europe/London",
		"Europe/Berlin",
		"America/New_York",
		"Asia/Kolkata",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]
		tz := timezones[gofakeit.Number(0, len(timezones)-1)]
		rating := float64(gofakeit.Number(25, 50)) / 10.0

		_, err := tx.Exec(ctx, `
			INSERT INTO clinicians (id, name, specialty, timezone, is_available, is_verified, rating, created_at, updated_at)
			VALUES ($1, $2, $3, $4, true, $5, $6, now(), now())
		`, id, name, spec, tz, gofakeit.Number(0, 9) > 1, rating)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// seedTemplates gives each clinician a weekday schedule: morning 09:00-12:00
// and most afternoons 14:00-17:00, 30-minute slots with a 10-minute buffer.
func seedTemplates(ctx context.Context, pool *pgxpool.Pool, clinicianIDs []uuid.UUID) error {
	log.Printf("seeding templates for %d clinicians", len(clinicianIDs))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, clinicianID := range clinicianIDs {
		for weekday := 1; weekday <= 5; weekday++ {
			var afternoonStart, afternoonEnd *int
			if gofakeit.Number(0, 3) > 0 {
				s, e := 14*60, 17*60
				afternoonStart, afternoonEnd = &s, &e
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO availability_templates
					(id, clinician_id, day_of_week,
					 morning_start_minute, morning_end_minute,
					 afternoon_start_minute, afternoon_end_minute,
					 slot_minutes, buffer_minutes, max_concurrent, appointment_type, is_active)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 30, 10, 1, 'InitialConsultation', true)
			`, uuid.New(), clinicianID, weekday, 9*60, 12*60, afternoonStart, afternoonEnd)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
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
			INSERT INTO patients (id, name, timezone, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, uuid.New(), gofakeit.Name(), gofakeit.TimeZoneRegion())
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
