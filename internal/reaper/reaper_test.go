package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dropletd/internal/logbuf"
	"dropletd/internal/models"
	"dropletd/internal/provider"
	"dropletd/internal/store"
)

type fakeDeleter struct {
	deleted []int64
	errs    map[int64]error
}

func (f *fakeDeleter) Delete(_ context.Context, id int64) error {
	if err, ok := f.errs[id]; ok {
		return err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()

	orm, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := orm.AutoMigrate(&models.Droplet{}); err != nil {
		t.Fatal(err)
	}
	return store.New(orm, nil)
}

func seed(t *testing.T, s *store.Store, d models.Droplet) {
	t.Helper()
	if err := s.Create(context.Background(), &d); err != nil {
		t.Fatal(err)
	}
}

func newTestReaper(s *store.Store, p DropletDeleter, registry *logbuf.Registry) *Reaper {
	return New(s, p, registry, nil, zerolog.Nop(), nil)
}

func TestRunArchivesOnlyExpired(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	past := now.Add(-10 * time.Second)
	future := now.Add(10 * time.Second)

	seed(t, s, models.Droplet{DropletID: 1, Name: "past", OwnerID: "u1", Status: models.StatusActive, ExpiresAt: &past})
	seed(t, s, models.Droplet{DropletID: 2, Name: "future", OwnerID: "u1", Status: models.StatusActive, ExpiresAt: &future})
	seed(t, s, models.Droplet{DropletID: 3, Name: "forever", OwnerID: "u1", Status: models.StatusActive})

	deleter := &fakeDeleter{}
	r := newTestReaper(s, deleter, nil)

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Expired != 1 || report.Archived != 1 || len(report.Errors) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(deleter.deleted) != 1 || deleter.deleted[0] != 1 {
		t.Fatalf("provider deletes = %v", deleter.deleted)
	}

	d, err := s.ByDropletID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsDeleted || d.Status != models.StatusArchived || d.DeletedAt == nil {
		t.Fatalf("droplet 1 not archived: %+v", d)
	}

	for _, id := range []int64{2, 3} {
		d, err := s.ByDropletID(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if d.IsDeleted || d.Status != models.StatusActive {
			t.Fatalf("droplet %d touched: %+v", id, d)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	seed(t, s, models.Droplet{DropletID: 1, Name: "x", OwnerID: "u1", ExpiresAt: &past})

	deleter := &fakeDeleter{}
	r := newTestReaper(s, deleter, nil)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if report.Expired != 0 || report.Archived != 0 {
		t.Fatalf("second run found work: %+v", report)
	}
	if len(deleter.deleted) != 1 {
		t.Fatalf("provider delete attempted %d times", len(deleter.deleted))
	}
}

func TestRunTreatsProviderNotFoundAsSuccess(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	seed(t, s, models.Droplet{DropletID: 5, Name: "gone", OwnerID: "u1", ExpiresAt: &past})

	deleter := &fakeDeleter{errs: map[int64]error{5: provider.ErrNotFound}}
	r := newTestReaper(s, deleter, nil)

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Archived != 1 || len(report.Errors) != 0 {
		t.Fatalf("report = %+v", report)
	}

	d, err := s.ByDropletID(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsDeleted {
		t.Fatal("already-gone droplet not archived")
	}
}

func TestRunCollectsPartialFailures(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	seed(t, s, models.Droplet{DropletID: 1, Name: "bad", OwnerID: "u1", ExpiresAt: &past})
	seed(t, s, models.Droplet{DropletID: 2, Name: "good", OwnerID: "u1", ExpiresAt: &past})

	deleter := &fakeDeleter{errs: map[int64]error{1: errors.New("provider on fire")}}
	r := newTestReaper(s, deleter, nil)

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if report.Expired != 2 || report.Archived != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Errors) != 1 || report.Errors[0].DropletID != 1 {
		t.Fatalf("errors = %+v", report.Errors)
	}

	// The failed droplet stays live and is retried next run.
	d, err := s.ByDropletID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if d.IsDeleted {
		t.Fatal("failed droplet was archived anyway")
	}
}

func TestRunDropsLogBuffer(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	seed(t, s, models.Droplet{DropletID: 7, Name: "x", OwnerID: "u1", ExpiresAt: &past})

	registry := logbuf.NewRegistry(0)
	registry.Append(7, "boot line")

	r := newTestReaper(s, &fakeDeleter{}, registry)
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := registry.Lines(7); len(got) != 0 {
		t.Fatalf("log buffer survived archive: %v", got)
	}
}
