// Package store persists droplet records and implements job token
// resolution used by both the streaming API and the booting droplet.
package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"dropletd/internal/models"
)

var (
	// ErrNotFound covers both genuinely unknown tokens and owner mismatches,
	// so callers cannot distinguish "not yours" from "does not exist".
	ErrNotFound = errors.New("droplet not found")

	// ErrDeleted is returned when an operation is refused because the record
	// has been soft-deleted.
	ErrDeleted = errors.New("droplet is deleted")
)

// ExtendIncrement is the fixed amount an owner may push a droplet's
// expiration forward per extension call.
const ExtendIncrement = 10 * time.Minute

// Store wraps the ORM session and an optional pgx pool. The pool, when
// present, serves the reaper's batch scan; everything else goes through gorm.
type Store struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// New builds a Store over the provided gorm session. pool may be nil (tests
// run on sqlite without one).
func New(orm *gorm.DB, pool *pgxpool.Pool) *Store {
	return &Store{orm: orm, pool: pool}
}

// Create persists a new droplet record.
func (s *Store) Create(ctx context.Context, d *models.Droplet) error {
	return s.orm.WithContext(ctx).Create(d).Error
}

// Save writes back the full record.
func (s *Store) Save(ctx context.Context, d *models.Droplet) error {
	return s.orm.WithContext(ctx).Save(d).Error
}

// ByDropletID fetches a record by the provider-assigned numeric id.
func (s *Store) ByDropletID(ctx context.Context, id int64) (*models.Droplet, error) {
	var d models.Droplet
	err := s.orm.WithContext(ctx).Where("droplet_id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListByOwner returns the owner's non-deleted droplets, newest first.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]models.Droplet, error) {
	var out []models.Droplet
	err := s.orm.WithContext(ctx).
		Where("owner_id = ? AND is_deleted = ?", owner, false).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

// ResolveJob maps an external job token to a droplet record. Numeric tokens
// are tried as droplet ids first; the name lookup is the fallback, so an id
// always wins over a numeric-looking name. A non-empty owner constrains the
// result: a mismatch is reported as ErrNotFound rather than a distinct
// authorization failure.
func (s *Store) ResolveJob(ctx context.Context, token, owner string) (*models.Droplet, error) {
	if token == "" {
		return nil, ErrNotFound
	}

	if id, err := strconv.ParseInt(token, 10, 64); err == nil {
		d, err := s.ByDropletID(ctx, id)
		if err == nil {
			if owner != "" && d.OwnerID != owner {
				return nil, ErrNotFound
			}
			return d, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	q := s.orm.WithContext(ctx).Where("name = ?", token)
	if owner != "" {
		q = q.Where("owner_id = ?", owner)
	}

	var d models.Droplet
	err := q.Order("created_at DESC").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// expiredRow is the slim projection the reaper needs per candidate.
type expiredRow struct {
	DropletID int64  `db:"droplet_id"`
	Name      string `db:"name"`
	OwnerID   string `db:"owner_id"`
}

const expiredQuery = `
	SELECT droplet_id, name, owner_id
	FROM droplets
	WHERE is_deleted = false
	  AND expires_at IS NOT NULL
	  AND expires_at <= $1
	ORDER BY expires_at
`

// ListExpired returns droplets whose expiration has passed and that are not
// yet archived. The pgx path serves production; the gorm fallback keeps the
// same shape for sqlite-backed tests.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]models.Droplet, error) {
	if s.pool != nil {
		var rows []expiredRow
		if err := pgxscan.Select(ctx, s.pool, &rows, expiredQuery, now); err != nil {
			return nil, err
		}
		out := make([]models.Droplet, 0, len(rows))
		for _, r := range rows {
			out = append(out, models.Droplet{DropletID: r.DropletID, Name: r.Name, OwnerID: r.OwnerID})
		}
		return out, nil
	}

	var out []models.Droplet
	err := s.orm.WithContext(ctx).
		Where("is_deleted = ? AND expires_at IS NOT NULL AND expires_at <= ?", false, now).
		Order("expires_at").
		Find(&out).Error
	return out, err
}

// Archive soft-deletes the record in a single update: is_deleted, deleted_at
// and the terminal status change together or not at all. Archiving an
// already-archived droplet is a no-op.
func (s *Store) Archive(ctx context.Context, dropletID int64, now time.Time) error {
	res := s.orm.WithContext(ctx).
		Model(&models.Droplet{}).
		Where("droplet_id = ? AND is_deleted = ?", dropletID, false).
		Updates(map[string]any{
			"is_deleted": true,
			"deleted_at": now,
			"status":     models.StatusArchived,
		})
	return res.Error
}

// Extend pushes the droplet's expiration forward by ExtendIncrement. A nil
// expiration starts counting from now. Soft-deleted droplets are refused
// with ErrDeleted; extension must never resurrect an archived record.
func (s *Store) Extend(ctx context.Context, dropletID int64, now time.Time) (*models.Droplet, error) {
	d, err := s.ByDropletID(ctx, dropletID)
	if err != nil {
		return nil, err
	}
	if d.IsDeleted {
		return nil, ErrDeleted
	}

	next := now.Add(ExtendIncrement)
	if d.ExpiresAt != nil {
		next = d.ExpiresAt.Add(ExtendIncrement)
	}
	d.ExpiresAt = &next

	if err := s.orm.WithContext(ctx).
		Model(&models.Droplet{}).
		Where("droplet_id = ?", dropletID).
		Update("expires_at", next).Error; err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateStatus records the provider-reported state. Archived records are
// left alone: the terminal status is owned by the soft-delete path.
func (s *Store) UpdateStatus(ctx context.Context, dropletID int64, status string) error {
	return s.orm.WithContext(ctx).
		Model(&models.Droplet{}).
		Where("droplet_id = ? AND is_deleted = ?", dropletID, false).
		Update("status", status).Error
}
