package eventlog

import (
	"context"
	"fmt"
	"testing"
)

func TestAppendAssignsSequentialOffsets(t *testing.T) {
	log := New(4)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, offset, err := log.Append(ctx, "orders.creation", "ord-001", []byte(fmt.Sprintf("v%d", i)), nil)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if offset != int64(i) {
			t.Errorf("append %d: offset = %d, want %d", i, offset, i)
		}
	}
}

func TestSameKeySamePartition(t *testing.T) {
	log := New(8)
	ctx := context.Background()

	first, _, err := log.Append(ctx, "orders.creation", "ord-001", []byte("a"), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		p, _, err := log.Append(ctx, "orders.creation", "ord-001", []byte("b"), nil)
		if err != nil {
			t.Fatal(err)
		}
		if p != first {
			t.Errorf("partition = %d, want %d", p, first)
		}
	}
}

func TestReadByKeyPreservesAppendOrder(t *testing.T) {
	log := New(4)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := log.Append(ctx, "t", "k", []byte(fmt.Sprintf("v%d", i)), nil); err != nil {
			t.Fatal(err)
		}
	}
	// interleave a different key
	if _, _, err := log.Append(ctx, "t", "other", []byte("x"), nil); err != nil {
		t.Fatal(err)
	}

	entries := log.ReadByKey("t", "k")
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	for i, e := range entries {
		if string(e.Value) != fmt.Sprintf("v%d", i) {
			t.Errorf("entry %d: value = %q", i, e.Value)
		}
		if i > 0 && entries[i].Offset <= entries[i-1].Offset {
			t.Errorf("offsets not strictly increasing at %d", i)
		}
	}
}

func TestReadFromOffsetWithLimit(t *testing.T) {
	log := New(1)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, _, err := log.Append(ctx, "t", "k", []byte{byte(i)}, nil); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := log.Read("t", 0, 4, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Offset != 4 || entries[2].Offset != 6 {
		t.Errorf("offsets = %d..%d, want 4..6", entries[0].Offset, entries[2].Offset)
	}
}

func TestReadUnknownTopicAndPartition(t *testing.T) {
	log := New(2)

	entries, err := log.Read("missing", 0, 0, 0)
	if err != nil || entries != nil {
		t.Errorf("unknown topic: entries=%v err=%v", entries, err)
	}

	if _, err := log.Read("missing", 5, 0, 0); err != ErrPartitionOutOfRange {
		t.Errorf("err = %v, want ErrPartitionOutOfRange", err)
	}
}

func TestHighWatermark(t *testing.T) {
	log := New(1)
	ctx := context.Background()

	hw, err := log.HighWatermark("t", 0)
	if err != nil || hw != 0 {
		t.Fatalf("empty topic: hw=%d err=%v", hw, err)
	}

	for i := 0; i < 3; i++ {
		if _, _, err := log.Append(ctx, "t", "k", nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	hw, err = log.HighWatermark("t", 0)
	if err != nil || hw != 3 {
		t.Errorf("hw=%d err=%v, want 3", hw, err)
	}
}

func TestClosedLogRejectsAppends(t *testing.T) {
	log := New(1)
	log.Close()

	if _, _, err := log.Append(context.Background(), "t", "k", nil, nil); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if _, err := log.Read("t", 0, 0, 0); err != ErrClosed {
		t.Errorf("read err = %v, want ErrClosed", err)
	}
}
