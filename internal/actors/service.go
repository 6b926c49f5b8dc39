package actors

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidActor indicates the claims did not contain a usable identifier.
var ErrInvalidActor = errors.New("actors: invalid actor")

// Actor maps an actor id to its last-known display identity. Block and
// operation rows reference actors by id; presence and reconciled views
// resolve display names through this table.
type Actor struct {
	ActorID     string    `gorm:"column:actor_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing actor records.
func (Actor) TableName() string {
	return "actors"
}

// ServiceConfig describes the dependencies for the actor registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records which actors have been seen and their display names.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the actor registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("actors: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Touch upserts the actor row, refreshing the display name and last-seen
// time. Called from the request path, so repeated touches with an unchanged
// display name short-circuit through an in-process cache.
func (s *Service) Touch(actorID, displayName string) error {
	id := strings.TrimSpace(actorID)
	if id == "" {
		return ErrInvalidActor
	}
	name := strings.TrimSpace(displayName)

	if cached, ok := s.cache.Load(id); ok {
		if cachedName, ok := cached.(string); ok && cachedName == name {
			return nil
		}
	}

	actor := Actor{
		ActorID:     id,
		DisplayName: name,
		LastSeenAt:  s.now(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "actor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "last_seen_at"}),
	}).Create(&actor).Error
	if err != nil {
		return err
	}

	s.cache.Store(id, name)
	return nil
}

// DisplayName resolves an actor id to its recorded display name.
func (s *Service) DisplayName(actorID string) (string, error) {
	id := strings.TrimSpace(actorID)
	if id == "" {
		return "", ErrInvalidActor
	}
	if cached, ok := s.cache.Load(id); ok {
		if name, ok := cached.(string); ok {
			return name, nil
		}
	}

	var actor Actor
	err := s.db.Where("actor_id = ?", id).First(&actor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	s.cache.Store(id, actor.DisplayName)
	return actor.DisplayName, nil
}
