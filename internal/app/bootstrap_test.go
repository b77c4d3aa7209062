package app

import (
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/relaygate/relaygate/internal/db"
	"github.com/relaygate/relaygate/internal/models"
)

func TestCreateAdminUserHashesPassword(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "relaygate-test.db")
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	if ok, errInit := HasAdminInitialized(conn); errInit != nil || ok {
		t.Fatalf("HasAdminInitialized = %v, %v; want false, nil", ok, errInit)
	}

	if errCreate := CreateAdminUser(conn, "admin", "password"); errCreate != nil {
		t.Fatalf("CreateAdminUser: %v", errCreate)
	}

	var admin models.Admin
	if errFind := conn.First(&admin).Error; errFind != nil {
		t.Fatalf("find admin: %v", errFind)
	}
	if !admin.IsEnabled {
		t.Fatal("expected admin enabled")
	}
	if errCompare := bcrypt.CompareHashAndPassword([]byte(admin.Password), []byte("password")); errCompare != nil {
		t.Fatalf("stored password does not verify: %v", errCompare)
	}

	if ok, errInit := HasAdminInitialized(conn); errInit != nil || !ok {
		t.Fatalf("HasAdminInitialized = %v, %v; want true, nil", ok, errInit)
	}
}

func TestCreateAdminUserRejectsShortPassword(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "relaygate-test.db")
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	if errCreate := CreateAdminUser(conn, "admin", "short"); errCreate == nil {
		t.Fatal("expected an error for a short password")
	}
}
