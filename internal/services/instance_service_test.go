package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/wilgrace/session-sub001/internal/models"
)

type stubScheduleTemplateReader struct {
	template  *models.SessionTemplate
	schedules []models.TemplateSchedule
}

func (s *stubScheduleTemplateReader) GetByID(_ context.Context, templateID int64) (*models.SessionTemplate, error) {
	return s.template, nil
}

func (s *stubScheduleTemplateReader) ListSchedules(_ context.Context, templateID int64) ([]models.TemplateSchedule, error) {
	return s.schedules, nil
}

type stubInstanceStore struct {
	instances map[string]*models.SessionInstance
	nextID    int64
}

func newStubInstanceStore() *stubInstanceStore {
	return &stubInstanceStore{instances: map[string]*models.SessionInstance{}}
}

func (s *stubInstanceStore) GetOrCreate(_ context.Context, templateID int64, organizationID int64, startAt time.Time, endAt time.Time) (*models.SessionInstance, bool, error) {
	key := fmt.Sprintf("%d/%s", templateID, startAt.UTC().Format(time.RFC3339))
	if existing, ok := s.instances[key]; ok {
		return existing, false, nil
	}
	s.nextID++
	instance := &models.SessionInstance{
		ID:             s.nextID,
		TemplateID:     templateID,
		OrganizationID: organizationID,
		StartAt:        startAt,
		EndAt:          endAt,
		Status:         models.InstanceStatusScheduled,
	}
	s.instances[key] = instance
	return instance, true, nil
}

func (s *stubInstanceStore) GetDetail(_ context.Context, instanceID int64) (*models.InstanceDetail, error) {
	return nil, nil
}

func (s *stubInstanceStore) ListUpcomingByTemplate(_ context.Context, templateID int64, until time.Time) ([]models.InstanceDetail, error) {
	return nil, nil
}

func weeklyTemplate(oneOff *time.Time) *models.SessionTemplate {
	return &models.SessionTemplate{
		ID:              5,
		OrganizationID:  3,
		Name:            "Morning Sauna",
		Capacity:        8,
		DurationMinutes: 90,
		PricingType:     models.PricingTypePaid,
		DropInPrice:     2000,
		Visibility:      models.VisibilityOpen,
		OneOffStartAt:   oneOff,
	}
}

func TestOccurrencesBetweenListsWeeklySlots(t *testing.T) {
	// A Monday.
	from := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	until := from.AddDate(0, 0, 28)
	schedule := models.TemplateSchedule{Weekday: 3, StartMinutes: 9 * 60}

	starts := occurrencesBetween(schedule, from, until)
	if len(starts) != 4 {
		t.Fatalf("expected 4 Wednesday occurrences in 28 days, got %d", len(starts))
	}
	for _, start := range starts {
		if start.Weekday() != time.Wednesday {
			t.Fatalf("expected Wednesday, got %s", start.Weekday())
		}
		if start.Hour() != 9 || start.Minute() != 0 {
			t.Fatalf("expected 09:00 start, got %s", start.Format("15:04"))
		}
	}
}

func TestOccurrencesBetweenSkipsSlotsBeforeFrom(t *testing.T) {
	// Wednesday 10:00, after the 09:00 slot already passed.
	from := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	until := from.AddDate(0, 0, 7)
	schedule := models.TemplateSchedule{Weekday: 3, StartMinutes: 9 * 60}

	starts := occurrencesBetween(schedule, from, until)
	if len(starts) != 1 {
		t.Fatalf("expected only next week's slot, got %d", len(starts))
	}
	if !starts[0].After(from) {
		t.Fatalf("expected occurrence after %s, got %s", from, starts[0])
	}
}

func TestExpandSchedulesIsIdempotent(t *testing.T) {
	store := newStubInstanceStore()
	templates := &stubScheduleTemplateReader{
		template: weeklyTemplate(nil),
		schedules: []models.TemplateSchedule{
			{Weekday: 1, StartMinutes: 8 * 60},
			{Weekday: 4, StartMinutes: 18 * 60},
		},
	}
	service := NewInstanceService(nil, store, templates, nil)

	created, err := service.ExpandSchedules(context.Background(), 5, 14*24*time.Hour)
	if err != nil {
		t.Fatalf("ExpandSchedules: %v", err)
	}
	if created != 4 {
		t.Fatalf("expected 4 instances over two weeks of two slots, got %d", created)
	}

	again, err := service.ExpandSchedules(context.Background(), 5, 14*24*time.Hour)
	if err != nil {
		t.Fatalf("ExpandSchedules rerun: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected rerun to create nothing, got %d", again)
	}
}

func TestExpandSchedulesIncludesFutureOneOff(t *testing.T) {
	store := newStubInstanceStore()
	oneOff := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Minute)
	templates := &stubScheduleTemplateReader{template: weeklyTemplate(&oneOff)}
	service := NewInstanceService(nil, store, templates, nil)

	created, err := service.ExpandSchedules(context.Background(), 5, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("ExpandSchedules: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected the one-off occurrence, got %d", created)
	}

	for _, instance := range store.instances {
		if !instance.EndAt.Equal(instance.StartAt.Add(90 * time.Minute)) {
			t.Fatalf("expected end 90 minutes after start, got %s", instance.EndAt)
		}
	}
}

func TestExpandSchedulesExcludesPastOneOff(t *testing.T) {
	store := newStubInstanceStore()
	past := time.Now().UTC().Add(-24 * time.Hour)
	templates := &stubScheduleTemplateReader{template: weeklyTemplate(&past)}
	service := NewInstanceService(nil, store, templates, nil)

	created, err := service.ExpandSchedules(context.Background(), 5, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("ExpandSchedules: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected no instances for a past one-off, got %d", created)
	}
}
