package jsonstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type sample struct {
	Foo string `json:"foo"`
}

func TestAppendThenReadAllRoundTrips(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	ts := time.Now()
	payload, _ := json.Marshal(sample{Foo: "bar"})
	if err := s.Append(context.Background(), "fills", ts, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := s.ReadAll(context.Background(), "fills")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	var got sample
	if err := json.Unmarshal(records[0].Payload, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Foo != "bar" {
		t.Fatalf("payload = %+v, want foo=bar", got)
	}
}

func TestReadAllPreservesAppendOrder(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	base := time.Now()
	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(sample{Foo: string(rune('a' + i))})
		if err := s.Append(context.Background(), "orders", base.Add(time.Duration(i)*time.Second), payload); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	records, err := s.ReadAll(context.Background(), "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("records = %d, want 5", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp.Before(records[i-1].Timestamp) {
			t.Fatalf("record %d out of order", i)
		}
	}
}

func TestReadAllOnMissingTableReturnsEmpty(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	records, err := s.ReadAll(context.Background(), "never_written")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %d, want 0", len(records))
	}
}

func TestTablesAreIsolated(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	payload, _ := json.Marshal(sample{Foo: "x"})
	if err := s.Append(context.Background(), "fills", time.Now(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	orders, err := s.ReadAll(context.Background(), "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("orders = %d, want 0 (isolated from fills)", len(orders))
	}
}
