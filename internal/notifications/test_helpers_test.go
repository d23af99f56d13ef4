package notifications

import (
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock(start time.Time) *stubClock {
	return &stubClock{now: start}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&QueueEntry{}, &Alert{}, &User{}, &Role{}, &RoleMembership{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id, status string, deleted bool) {
	t.Helper()
	if err := db.Create(&User{ID: id, UserName: id, Status: status, Deleted: deleted}).Error; err != nil {
		t.Fatalf("failed to seed user %s: %v", id, err)
	}
}

func seedRole(t *testing.T, db *gorm.DB, roleID, name string, memberIDs ...string) {
	t.Helper()
	if err := db.Create(&Role{ID: roleID, Name: name}).Error; err != nil {
		t.Fatalf("failed to seed role %s: %v", name, err)
	}
	for _, memberID := range memberIDs {
		membership := RoleMembership{ID: roleID + "-" + memberID, RoleID: roleID, UserID: memberID}
		if err := db.Create(&membership).Error; err != nil {
			t.Fatalf("failed to seed membership %s: %v", membership.ID, err)
		}
	}
}

func newTestService(t *testing.T, db *gorm.DB, clock *stubClock) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}
