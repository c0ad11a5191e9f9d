package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory AppointmentStore + ClinicianStore. It backs
// the test suites and the simulate binary, and is a valid single-process
// deployment behind the same interfaces as the Postgres store.
type MemoryStore struct {
	mu           sync.RWMutex
	appointments map[uuid.UUID]Appointment
	clinicians   map[uuid.UUID]Clinician
	patients     map[uuid.UUID]Patient
	templates    []AvailabilityTemplate
	overrides    []AvailabilityOverride

	// FailReads simulates store outage for retry-path tests.
	FailReads bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appointments: make(map[uuid.UUID]Appointment),
		clinicians:   make(map[uuid.UUID]Clinician),
		patients:     make(map[uuid.UUID]Patient),
	}
}

func (m *MemoryStore) AddClinician(c Clinician) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clinicians[c.ID] = c
}

func (m *MemoryStore) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryStore) AddTemplate(t AvailabilityTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates = append(m.templates, t)
}

func (m *MemoryStore) AddOverride(o AvailabilityOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, o)
}

// AppointmentStore

func (m *MemoryStore) ListByClinician(_ context.Context, clinicianID uuid.UUID, r DateRange, statuses []AppointmentStatus) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailReads {
		return nil, ErrStoreUnavailable
	}

	var out []Appointment
	for _, a := range m.appointments {
		if a.ClinicianID != clinicianID {
			continue
		}
		if a.ScheduledStart.Before(r.From) || !a.ScheduledStart.Before(r.To) {
			continue
		}
		if !statusIn(a.Status, statuses) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(out[j].ScheduledStart) })
	return out, nil
}

func (m *MemoryStore) ListByPatient(_ context.Context, patientID uuid.UUID, statuses []AppointmentStatus) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailReads {
		return nil, ErrStoreUnavailable
	}

	var out []Appointment
	for _, a := range m.appointments {
		if a.PatientID == patientID && statusIn(a.Status, statuses) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.After(out[j].ScheduledStart) })
	return out, nil
}

func (m *MemoryStore) Insert(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.appointments[a.ID]; exists {
		return ErrDuplicateKey
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.appointments[a.ID] = *a
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus, stamp StatusStamp) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	if stamp.ConfirmedAt != nil {
		a.ConfirmedAt = stamp.ConfirmedAt
	}
	if stamp.ActualStart != nil {
		a.ActualStart = stamp.ActualStart
	}
	if stamp.ActualEnd != nil {
		a.ActualEnd = stamp.ActualEnd
	}
	a.UpdatedAt = time.Now().UTC()
	m.appointments[id] = a
	return &a, nil
}

func (m *MemoryStore) Read(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.appointments, id)
	return nil
}

// Count returns the number of stored appointments in the given statuses.
func (m *MemoryStore) Count(statuses ...AppointmentStatus) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.appointments {
		if len(statuses) == 0 || statusIn(a.Status, statuses) {
			n++
		}
	}
	return n
}

// ClinicianStore

func (m *MemoryStore) Search(_ context.Context, q ClinicianSearch) ([]Clinician, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailReads {
		return nil, ErrStoreUnavailable
	}

	var out []Clinician
	for _, c := range m.clinicians {
		if q.Specialty != "" && !equalFold(c.Specialty, q.Specialty) {
			continue
		}
		if q.IsAvailable != nil && c.IsAvailable != *q.IsAvailable {
			continue
		}
		if q.IsVerified != nil && c.IsVerified != *q.IsVerified {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Clinician, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clinicians[id]
	if !ok {
		return nil, ErrClinicianNotFound
	}
	return &c, nil
}

func (m *MemoryStore) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryStore) TemplatesFor(_ context.Context, clinicianID uuid.UUID, weekday int, t AppointmentType) ([]AvailabilityTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailReads {
		return nil, ErrStoreUnavailable
	}

	var out []AvailabilityTemplate
	for _, tpl := range m.templates {
		if tpl.ClinicianID == clinicianID && tpl.DayOfWeek == weekday && tpl.AppointmentType == t && tpl.IsActive {
			out = append(out, tpl)
		}
	}
	return out, nil
}

func (m *MemoryStore) OverrideFor(_ context.Context, clinicianID uuid.UUID, date time.Time) (*AvailabilityOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *AvailabilityOverride
	for i := range m.overrides {
		o := m.overrides[i]
		if o.ClinicianID == clinicianID && sameDay(o.Date, date) {
			if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
				latest = &o
			}
		}
	}
	return latest, nil
}

func statusIn(s AppointmentStatus, set []AppointmentStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// MemorySink records lifecycle events in order.
type MemorySink struct {
	mu     sync.Mutex
	events []LifecycleEvent
	nextID int64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(_ context.Context, ev LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ev.ID = s.nextID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, ev)
}

func (s *MemorySink) Events() []LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LifecycleEvent, len(s.events))
	copy(out, s.events)
	return out
}

// EventsFor filters the log by appointment id.
func (s *MemorySink) EventsFor(appointmentID uuid.UUID) []LifecycleEvent {
	var out []LifecycleEvent
	for _, ev := range s.Events() {
		if ev.AppointmentID != nil && *ev.AppointmentID == appointmentID {
			out = append(out, ev)
		}
	}
	return out
}
