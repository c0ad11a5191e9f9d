// simulate fires a configurable number of concurrent booking attempts at a
// single slot through the in-memory stack and reports the outcome split and
// latency percentiles. Exactly one attempt must commit; everything else
// must surface a conflict or a lock timeout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/booking"
	"github.com/hackgods/telemed-scheduling/internal/clock"
	"github.com/hackgods/telemed-scheduling/internal/consistency"
	"github.com/hackgods/telemed-scheduling/internal/matcher"
	"github.com/hackgods/telemed-scheduling/internal/scheduling"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[len(latencies)*50/100]
	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]
	return
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	attempts := flag.Int("attempts", 100, "concurrent booking attempts at the same slot")
	flag.Parse()

	logger := logging.New("warn")
	clk := clock.NewSystem()

	store := scheduling.NewMemoryStore()
	sink := scheduling.NewMemorySink()
	engine := availability.NewEngine(store, store, clk)
	match := matcher.New(store, store, engine, logger)
	locks := consistency.NewMemoryLockService()
	layer := consistency.NewLayer(store, locks, engine, clk, 3*time.Second, logger)
	queue := booking.NewQueue(clk)

	orch := booking.NewOrchestrator(store, store, engine, match, layer, queue, sink, nil, clk, booking.Config{}, nil, logger)

	clinicianID := uuid.New()
	store.AddClinician(scheduling.Clinician{
		ID: clinicianID, Name: "Dr. Simulated", Specialty: "cardiology",
		Timezone: "Europe/Dublin", IsAvailable: true, IsVerified: true, Rating: 4.7,
	})

	// Next weekday at least three days out, morning window 09:00-12:00.
	target := clk.Now().AddDate(0, 0, 3)
	for target.Weekday() == time.Saturday || target.Weekday() == time.Sunday {
		target = target.AddDate(0, 0, 1)
	}
	store.AddTemplate(scheduling.AvailabilityTemplate{
		ID:              uuid.New(),
		ClinicianID:     clinicianID,
		DayOfWeek:       int(target.Weekday()),
		Morning:         &scheduling.TimeWindow{StartMinute: 9 * 60, EndMinute: 12 * 60},
		SlotMinutes:     30,
		BufferMinutes:   10,
		MaxConcurrent:   1,
		AppointmentType: scheduling.TypeInitialConsultation,
		IsActive:        true,
	})

	dublin, _ := time.LoadLocation("Europe/Dublin")
	start := clock.Combine(clock.Midnight(target.In(dublin)), 9, 0, dublin)

	patients := make([]uuid.UUID, *attempts)
	for i := range patients {
		patients[i] = uuid.New()
		store.AddPatient(scheduling.Patient{ID: patients[i], Name: fmt.Sprintf("patient-%d", i), Timezone: "Europe/Dublin"})
	}

	metrics := &OperationMetrics{}
	var wg sync.WaitGroup
	log.Printf("firing %d concurrent bookings at %s", *attempts, start)

	for i := 0; i < *attempts; i++ {
		wg.Add(1)
		go func(patientID uuid.UUID) {
			defer wg.Done()
			began := time.Now()
			_, err := orch.Book(context.Background(), booking.Request{
				PatientID:       patientID,
				ClinicianID:     &clinicianID,
				DesiredStart:    start,
				DurationMinutes: 30,
				Type:            scheduling.TypeInitialConsultation,
				Timezone:        "Europe/Dublin",
			})
			conflict := errors.Is(err, scheduling.ErrSlotUnavailable) || errors.Is(err, scheduling.ErrLockTimeout)
			metrics.Record(time.Since(began), err == nil, conflict)
		}(patients[i])
	}
	wg.Wait()

	avg, min, max, p50, p95 := metrics.Stats()
	committed := store.Count(scheduling.StatusPending)

	fmt.Printf("\nattempts=%d success=%d conflict=%d error=%d\n",
		metrics.Total, metrics.Success, metrics.Conflict, metrics.Error)
	fmt.Printf("latency avg=%s min=%s max=%s p50=%s p95=%s\n", avg, min, max, p50, p95)
	fmt.Printf("appointment rows committed: %d\n", committed)

	if metrics.Success != 1 || committed != 1 {
		log.Fatalf("at-most-once violated: success=%d committed=%d", metrics.Success, committed)
	}
	log.Println("at-most-once holds")
}
