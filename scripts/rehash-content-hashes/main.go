// Command rehash-content-hashes recomputes content_sha256 for all batch
// versions in the database. Run this after restoring batch content from a
// backup or any other out-of-band edit that may have desynced stored hashes.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/rehash-content-hashes
//
// The script connects to the database, reads every batch version's content,
// recomputes the SHA-256 digest, and updates any rows where the stored hash
// differs. It prints the number of rows fixed and exits.
//
// Safe to run multiple times — it's idempotent. Once all hashes match, it
// reports 0 updates and exits immediately.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT id, content, content_sha256
		 FROM batch_versions
		 ORDER BY created_at ASC`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	type staleRow struct {
		id       uuid.UUID
		expected string
	}

	var stale []staleRow
	var total int
	for rows.Next() {
		var (
			id         uuid.UUID
			content    string
			storedHash string
		)
		if err := rows.Scan(&id, &content, &storedHash); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		total++
		sum := sha256.Sum256([]byte(content))
		expected := hex.EncodeToString(sum[:])
		if storedHash != expected {
			stale = append(stale, staleRow{id, expected})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	fmt.Printf("scanned %d batch versions, %d have stale hashes\n", total, len(stale))

	if len(stale) == 0 {
		fmt.Println("nothing to do")
		return nil
	}

	updated := 0
	for _, r := range stale {
		tag, err := pool.Exec(ctx,
			`UPDATE batch_versions SET content_sha256 = $1 WHERE id = $2`,
			r.expected, r.id)
		if err != nil {
			log.Printf("update %s: %v", r.id, err)
			continue
		}
		if tag.RowsAffected() > 0 {
			updated++
		}
	}

	fmt.Printf("updated %d/%d stale hashes\n", updated, len(stale))
	return nil
}
