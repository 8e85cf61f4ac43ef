//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-chat-proxy/internal/domain"
	"github.com/felipepmaragno/llm-chat-proxy/internal/repository"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func TestPostgresDispatchLog_RecordAndRecent(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresDispatchLog(db)
	ctx := context.Background()

	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	rec := domain.DispatchRecord{
		ID:                 uuid.NewString(),
		RequestID:          uuid.NewString(),
		Model:              "ai/smollm2",
		Endpoint:           "http://localhost:12434/v1/chat/completions",
		Outcome:            domain.OutcomeSuccess,
		Attempts:           2,
		AttemptedEndpoints: []string{"http://localhost:12434/engines/llama.cpp/v1/chat/completions", "http://localhost:12434/v1/chat/completions"},
		LatencyMs:          120,
		CreatedAt:          time.Now().UTC().Add(time.Hour),
	}
	defer db.Exec("DELETE FROM dispatch_log WHERE id = $1", rec.ID)

	if err := repo.Record(ctx, rec); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	recs, err := repo.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("expected the newest record %s, got %+v", rec.ID, recs)
	}
	if len(recs[0].AttemptedEndpoints) != 2 {
		t.Errorf("expected 2 attempted endpoints, got %v", recs[0].AttemptedEndpoints)
	}
	if recs[0].Outcome != domain.OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", recs[0].Outcome)
	}
}

func TestPostgresDispatchLog_RecordWithoutAttempts(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresDispatchLog(db)
	ctx := context.Background()

	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	rec := domain.DispatchRecord{
		ID:        uuid.NewString(),
		RequestID: uuid.NewString(),
		Model:     "ai/smollm2",
		Outcome:   domain.OutcomeUnexpected,
		CreatedAt: time.Now().UTC().Add(2 * time.Hour),
	}
	defer db.Exec("DELETE FROM dispatch_log WHERE id = $1", rec.ID)

	if err := repo.Record(ctx, rec); err != nil {
		t.Fatalf("Record with nil endpoints failed: %v", err)
	}

	recs, err := repo.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID || len(recs[0].AttemptedEndpoints) != 0 {
		t.Errorf("unexpected records %+v", recs)
	}
}
