package store

import (
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedDevice(t *testing.T, db *DB, id string) {
	t.Helper()
	if err := db.SaveDevice(&Device{DeviceID: id, State: "trusted_disconnected"}); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}
}

func TestOpenSession(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev-1")

	s, err := db.OpenSession("dev-1", 1, 1000)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if s.SessionID != 1 {
		t.Errorf("SessionID = %d, want 1", s.SessionID)
	}
	if s.EndedAt != nil {
		t.Error("EndedAt should be nil for an open session")
	}

	open, err := db.GetOpenSession("dev-1")
	if err != nil {
		t.Fatalf("GetOpenSession: %v", err)
	}
	if open == nil || open.SessionID != 1 {
		t.Fatalf("open session = %+v, want session 1", open)
	}
}

func TestOpenSessionRejectsReusedID(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev-1")

	if _, err := db.OpenSession("dev-1", 1, 1000); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if _, err := db.OpenSession("dev-1", 1, 2000); err == nil {
		t.Error("expected error reusing session id")
	}
}

func TestOpenSessionRequiresDevice(t *testing.T) {
	db := testDB(t)

	if _, err := db.OpenSession("ghost", 1, 1000); err == nil {
		t.Error("expected foreign key error for unknown device")
	}
}

func TestCloseSession(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev-1")
	db.OpenSession("dev-1", 1, 1000)

	if err := db.CloseSession("dev-1", 1, 2000, "lost"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	sessions, err := db.GetSessions("dev-1", 10)
	if err != nil {
		t.Fatalf("GetSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	s := sessions[0]
	if s.EndedAt == nil || *s.EndedAt != 2000 {
		t.Errorf("EndedAt = %v, want 2000", s.EndedAt)
	}
	if s.EndReason == nil || *s.EndReason != "lost" {
		t.Errorf("EndReason = %v, want lost", s.EndReason)
	}

	// Closed sessions are immutable
	if err := db.CloseSession("dev-1", 1, 3000, "revoked"); err == nil {
		t.Error("expected error closing an already-closed session")
	}
}

func TestCloseSessionRejectsUnknownReason(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev-1")
	db.OpenSession("dev-1", 1, 1000)

	if err := db.CloseSession("dev-1", 1, 2000, "bored"); err == nil {
		t.Error("expected CHECK constraint error for invalid end reason")
	}
}

func TestLastSessionID(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev-1")
	seedDevice(t, db, "dev-2")

	id, err := db.LastSessionID("dev-1")
	if err != nil {
		t.Fatalf("LastSessionID: %v", err)
	}
	if id != 0 {
		t.Errorf("LastSessionID = %d, want 0", id)
	}

	for i := int64(1); i <= 3; i++ {
		db.OpenSession("dev-1", i, i*1000)
		db.CloseSession("dev-1", i, i*1000+500, "lost")
	}
	db.OpenSession("dev-2", 7, 1000)

	id, _ = db.LastSessionID("dev-1")
	if id != 3 {
		t.Errorf("LastSessionID(dev-1) = %d, want 3", id)
	}
	id, _ = db.LastSessionID("dev-2")
	if id != 7 {
		t.Errorf("LastSessionID(dev-2) = %d, want 7", id)
	}
}

func TestCloseOpenSessions(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev-1")
	db.OpenSession("dev-1", 1, 1000)

	n, err := db.CloseOpenSessions("dev-1", 5000, "restart")
	if err != nil {
		t.Fatalf("CloseOpenSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("closed %d sessions, want 1", n)
	}

	open, _ := db.GetOpenSession("dev-1")
	if open != nil {
		t.Errorf("expected no open session, got %+v", open)
	}
}

func TestGetSessionsNewestFirst(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev-1")

	for i := int64(1); i <= 3; i++ {
		db.OpenSession("dev-1", i, i*1000)
		db.CloseSession("dev-1", i, i*1000+1, "preemptive")
	}

	sessions, err := db.GetSessions("dev-1", 2)
	if err != nil {
		t.Fatalf("GetSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].SessionID != 3 || sessions[1].SessionID != 2 {
		t.Errorf("order = %d,%d, want 3,2", sessions[0].SessionID, sessions[1].SessionID)
	}
}
