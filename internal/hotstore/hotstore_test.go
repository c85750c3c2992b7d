package hotstore

import (
	"context"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := db.migrate(ctx); err != nil {
		t.Fatalf("third migrate: %v", err)
	}
}

func TestInsertAndGetMeta(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ttl := int64(3600)
	m := Meta{
		ProjectID:   "proj1",
		StreamID:    "streamA",
		ContentType: "application/json",
		CreatedAt:   1000,
		TTLSeconds:  &ttl,
	}
	if err := db.Batch(ctx, InsertStream(m)); err != nil {
		t.Fatalf("insert stream: %v", err)
	}

	got, err := db.GetMeta(ctx)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if got.ProjectID != "proj1" || got.StreamID != "streamA" || got.ContentType != "application/json" {
		t.Fatalf("meta mismatch: %+v", got)
	}
	if got.Closed || got.Public {
		t.Fatalf("expected new stream open and non-public, got %+v", got)
	}
	if got.TTLSeconds == nil || *got.TTLSeconds != 3600 {
		t.Fatalf("ttl mismatch: %+v", got.TTLSeconds)
	}
}

func TestGetMetaNotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.GetMeta(context.Background()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendCommitsOpAndTail(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Batch(ctx, InsertStream(Meta{ProjectID: "p", StreamID: "s", ContentType: "application/octet-stream", CreatedAt: 1})); err != nil {
		t.Fatalf("insert stream: %v", err)
	}

	body := []byte("hello world")
	epoch, seq := int64(1), int64(0)
	op := Op{
		StartOffset:   0,
		EndOffset:     uint64(len(body)),
		SizeBytes:     uint64(len(body)),
		Body:          body,
		CreatedAt:     2,
		ProducerID:    "prod-1",
		ProducerEpoch: &epoch,
		ProducerSeq:   &seq,
	}
	err := db.Batch(ctx,
		InsertOp(op),
		UpdateTail(uint64(len(body)), 1, uint64(len(body)), "s1"),
		UpsertProducer(ProducerRow{ProducerID: "prod-1", Epoch: 1, LastSeq: 0, LastOffset: uint64(len(body)), LastUpdated: 2}),
	)
	if err != nil {
		t.Fatalf("batch append: %v", err)
	}

	meta, err := db.GetMeta(ctx)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if meta.TailOffset != uint64(len(body)) {
		t.Fatalf("tail offset = %d, want %d", meta.TailOffset, len(body))
	}

	got, err := db.SelectOverlap(ctx, 3)
	if err != nil {
		t.Fatalf("select overlap: %v", err)
	}
	if string(got.Body) != "hello world" {
		t.Fatalf("overlap body = %q", got.Body)
	}

	p, err := db.GetProducer(ctx, "prod-1")
	if err != nil {
		t.Fatalf("get producer: %v", err)
	}
	if p.Epoch != 1 || p.LastSeq != 0 {
		t.Fatalf("producer state = %+v", p)
	}

	count, bytes, err := db.AggregateFrom(ctx, 0)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if count != 1 || bytes != int64(len(body)) {
		t.Fatalf("aggregate = %d, %d", count, bytes)
	}
}

func TestBatchRollsBackOnFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Batch(ctx, InsertStream(Meta{ProjectID: "p", StreamID: "s", ContentType: "text/plain", CreatedAt: 1})); err != nil {
		t.Fatalf("insert stream: %v", err)
	}

	// Second statement fails: stream_meta.id has a CHECK(id = 1)
	// constraint, so this INSERT must abort the whole batch and leave
	// the tail offset untouched.
	err := db.Batch(ctx,
		UpdateTail(99, 1, 99, "x"),
		Stmt{SQL: `INSERT INTO stream_meta (id, project_id, stream_id, content_type, created_at) VALUES (2, 'x', 'y', 'z', 1)`},
	)
	if err == nil {
		t.Fatal("expected batch failure")
	}

	meta, err := db.GetMeta(ctx)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if meta.TailOffset != 0 {
		t.Fatalf("expected rollback to leave tail offset at 0, got %d", meta.TailOffset)
	}
}

func TestSegmentsIndexQueries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Batch(ctx,
		InsertSegment(SegmentRow{ReadSeq: 0, ObjectKey: "seg-0", StartOffset: 0, EndOffset: 100, ContentType: "application/octet-stream", SizeBytes: 100, MessageCount: 5}),
		InsertSegment(SegmentRow{ReadSeq: 1, ObjectKey: "seg-1", StartOffset: 100, EndOffset: 250, ContentType: "application/octet-stream", SizeBytes: 150, MessageCount: 3}),
	); err != nil {
		t.Fatalf("insert segments: %v", err)
	}

	all, err := db.ListSegments(ctx)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(all))
	}

	latest, err := db.GetLatestSegment(ctx)
	if err != nil {
		t.Fatalf("get latest segment: %v", err)
	}
	if latest.ReadSeq != 1 {
		t.Fatalf("latest segment read_seq = %d, want 1", latest.ReadSeq)
	}

	covering, err := db.GetCoveringSegment(ctx, 0)
	if err != nil {
		t.Fatalf("get covering segment: %v", err)
	}
	if covering.ObjectKey != "seg-0" {
		t.Fatalf("covering segment = %+v", covering)
	}

	startingAt, err := db.GetSegmentStartingAt(ctx, 100)
	if err != nil {
		t.Fatalf("get segment starting at: %v", err)
	}
	if startingAt.ReadSeq != 1 {
		t.Fatalf("segment starting at 100 = %+v", startingAt)
	}

	if _, err := db.GetCoveringSegment(ctx, 99); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown read_seq, got %v", err)
	}
}

func TestRotateHotSegmentResetsCounters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Batch(ctx, InsertStream(Meta{ProjectID: "p", StreamID: "s", ContentType: "application/octet-stream", CreatedAt: 1})); err != nil {
		t.Fatalf("insert stream: %v", err)
	}
	if err := db.Batch(ctx, UpdateTail(500, 10, 500, "last")); err != nil {
		t.Fatalf("update tail: %v", err)
	}
	if err := db.Batch(ctx, RotateHotSegment(1)); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	meta, err := db.GetMeta(ctx)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if meta.ReadSeq != 1 || meta.TailOffset != 500 || meta.SegmentStart != 500 || meta.SegmentMsgCount != 0 || meta.SegmentByteCount != 0 {
		t.Fatalf("rotate did not update segment state correctly: %+v", meta)
	}
}

func TestDeleteProducer(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Batch(ctx, UpsertProducer(ProducerRow{ProducerID: "p1", Epoch: 1, LastSeq: 3, LastOffset: 10, LastUpdated: 5})); err != nil {
		t.Fatalf("upsert producer: %v", err)
	}
	if _, err := db.GetProducer(ctx, "p1"); err != nil {
		t.Fatalf("expected producer to exist: %v", err)
	}
	if err := db.Batch(ctx, DeleteProducer("p1")); err != nil {
		t.Fatalf("delete producer: %v", err)
	}
	if _, err := db.GetProducer(ctx, "p1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
