package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"dyzen-server-go/internal/domain/network"
	"dyzen-server-go/internal/platform/storage"
)

func backends(t *testing.T, capacity int) map[string]Store {
	t.Helper()

	db, err := storage.Open(storage.MemoryDSN)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	out := map[string]Store{}
	for _, driver := range []string{DriverMemory, DriverSQLite, DriverRedis} {
		s, err := New(Config{
			Driver:   driver,
			Capacity: capacity,
			Redis:    &RedisConfig{Addr: mr.Addr(), Prefix: "test:"},
		}, Dependencies{SQLiteDB: db})
		if err != nil {
			t.Fatalf("New(%s) error: %v", driver, err)
		}
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		out[driver] = s
	}
	return out
}

func TestStoreRecentOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	for driver, s := range backends(t, 100) {
		t.Run(driver, func(t *testing.T) {
			for i := 0; i < 6; i++ {
				ip := "10.0.0.1"
				if i%2 == 1 {
					ip = "10.0.0.2"
				}
				sample := network.Sample{
					Bandwidth:  float64(10 * (i + 1)),
					Latency:    float64(i),
					ObservedAt: base.Add(time.Duration(i) * time.Second),
					ClientIP:   ip,
				}
				if err := s.Append(ctx, sample); err != nil {
					t.Fatalf("Append error: %v", err)
				}
			}

			all, err := s.Recent(ctx, "", 4)
			if err != nil {
				t.Fatalf("Recent error: %v", err)
			}
			if len(all) != 4 {
				t.Fatalf("expected 4 samples, got %d", len(all))
			}
			// oldest first: bandwidth 30, 40, 50, 60
			if all[0].Bandwidth != 30 || all[3].Bandwidth != 60 {
				t.Fatalf("unexpected order: %+v", all)
			}

			client, err := s.Recent(ctx, "10.0.0.2", 10)
			if err != nil {
				t.Fatalf("Recent(client) error: %v", err)
			}
			if len(client) != 3 {
				t.Fatalf("expected 3 client samples, got %d", len(client))
			}
			for _, sample := range client {
				if sample.ClientIP != "10.0.0.2" {
					t.Fatalf("foreign sample leaked: %+v", sample)
				}
			}

			none, err := s.Recent(ctx, "10.9.9.9", 5)
			if err != nil {
				t.Fatalf("Recent(unknown) error: %v", err)
			}
			if len(none) != 0 {
				t.Fatalf("expected no samples, got %d", len(none))
			}
		})
	}
}

func TestStoreCapacity(t *testing.T) {
	ctx := context.Background()

	for _, driver := range []string{DriverMemory, DriverRedis} {
		s := backends(t, 3)[driver]
		t.Run(driver, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				if err := s.Append(ctx, network.Sample{Bandwidth: float64(i), ClientIP: "c"}); err != nil {
					t.Fatalf("Append error: %v", err)
				}
			}
			got, err := s.Recent(ctx, "", 100)
			if err != nil {
				t.Fatalf("Recent error: %v", err)
			}
			if len(got) != 3 || got[0].Bandwidth != 7 || got[2].Bandwidth != 9 {
				t.Fatalf("unexpected retained samples: %+v", got)
			}
		})
	}
}

func TestSQLitePrune(t *testing.T) {
	ctx := context.Background()
	s := backends(t, 10)[DriverSQLite]

	for i := 0; i < pruneEvery; i++ {
		if err := s.Append(ctx, network.Sample{Bandwidth: float64(i)}); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	got, err := s.Recent(ctx, "", 1000)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected pruning to keep 10 samples, got %d", len(got))
	}
	if got[9].Bandwidth != float64(pruneEvery-1) {
		t.Fatalf("newest sample lost: %+v", got[9])
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(Config{Driver: "cassandra"}, Dependencies{}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := New(Config{Driver: DriverSQLite}, Dependencies{}); err == nil {
		t.Fatalf("expected error for sqlite without db")
	}
}
