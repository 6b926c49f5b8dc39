package blocks

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

func mustDocumentID(t *testing.T, value string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustBlockID(t *testing.T, value string) BlockID {
	t.Helper()
	id, err := NewBlockID(value)
	if err != nil {
		t.Fatalf("unexpected block id error: %v", err)
	}
	return id
}

func mustActorID(t *testing.T, value string) ActorID {
	t.Helper()
	id, err := NewActorID(value)
	if err != nil {
		t.Fatalf("unexpected actor id error: %v", err)
	}
	return id
}

func mustBlockType(t *testing.T, value string) BlockType {
	t.Helper()
	blockType, err := ParseBlockType(value)
	if err != nil {
		t.Fatalf("unexpected block type error: %v", err)
	}
	return blockType
}

type sequentialIDProvider struct {
	counter atomic.Int64
	prefix  string
}

func (p *sequentialIDProvider) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", p.prefix, p.counter.Add(1)), nil
}

func mustTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:blocks_test_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&Document{}, &Block{}, &Operation{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustService(t *testing.T) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   mustTestDatabase(t),
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: &sequentialIDProvider{prefix: "gen"},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}
