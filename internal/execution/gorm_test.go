package execution

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB opens a file backed SQLite database. One connection keeps
// transactions serialized the way row locks do on MySQL.
func openTestDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open() failed: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("DB() failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return gdb
}

func newGormStore(t *testing.T, clock *testClock) Store {
	gdb := openTestDB(t, filepath.Join(t.TempDir(), "porter.db"))
	store := NewGormStore(gdb, testSigner(t), WithClock(clock.Now), WithIDFunc(sequentialIDs()))
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return store
}

func TestGormStore(t *testing.T) {
	runStoreSuite(t, newGormStore)
}

func TestGormStore_ConsumeAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	clock := newTestClock()

	first := NewGormStore(openTestDB(t, path), testSigner(t), WithClock(clock.Now), WithIDFunc(sequentialIDs()))
	if err := first.Open(ctx); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	second := NewGormStore(openTestDB(t, path), testSigner(t), WithClock(clock.Now))

	c, err := first.Create(ctx, sampleInput())
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := second.AttachJobID(ctx, c.ExecutionID, "m-1"); err != nil {
		t.Fatalf("AttachJobID() through second handle failed: %v", err)
	}

	got, err := second.Consume(ctx, c.ExecutionID)
	if err != nil || got == nil {
		t.Fatalf("Consume() = %v, %v", got, err)
	}
	if got.MachineID != "m-1" {
		t.Errorf("Expected machine m-1, got %q", got.MachineID)
	}
	if again, err := first.Remove(ctx, c.ExecutionID); err != nil || again != nil {
		t.Errorf("Expected nil from the other handle, got %v, %v", again, err)
	}
}
