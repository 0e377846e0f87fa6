//go:build integration
// +build integration

package pg

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bidflow/internal/domain"
	"bidflow/internal/store"
)

func TestOneActiveRequestPerCustomer(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	now := time.Now().UTC()
	if err := s.InsertRequest(ctx, newRequest("REQ_1", "+966500000001", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := s.InsertRequest(ctx, newRequest("REQ_2", "+966500000001", now))
	if domain.CodeOf(err) != domain.CodeActiveRequestExists {
		t.Fatalf("expected active_request_exists, got %v", err)
	}

	ids, err := s.CancelActiveRequests(ctx, "+966500000001", now)
	if err != nil || len(ids) != 1 || ids[0] != "REQ_1" {
		t.Fatalf("cancel: ids=%v err=%v", ids, err)
	}
	if err := s.InsertRequest(ctx, newRequest("REQ_2", "+966500000001", now)); err != nil {
		t.Fatalf("insert after cancel: %v", err)
	}
}

func TestAssignRequestIsSingleWinner(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	now := time.Now().UTC()
	if err := s.InsertRequest(ctx, newRequest("REQ_1", "+966500000001", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ok, err := s.AssignRequest(ctx, "REQ_1", "off_a", now)
	if err != nil || !ok {
		t.Fatalf("first assign: ok=%v err=%v", ok, err)
	}
	ok, err = s.AssignRequest(ctx, "REQ_1", "off_b", now)
	if err != nil || ok {
		t.Fatalf("second assign must fail: ok=%v err=%v", ok, err)
	}

	// only the holder can release
	if ok, _ := s.ReleaseRequest(ctx, "REQ_1", "off_b", domain.RequestOpen, now); ok {
		t.Fatalf("release by non-holder must fail")
	}
	if ok, _ := s.ReleaseRequest(ctx, "REQ_1", "off_a", domain.RequestOpen, now); !ok {
		t.Fatalf("release by holder must succeed")
	}
	r, _, _ := s.GetRequest(ctx, "REQ_1")
	if r.Status != domain.RequestOpen || r.AcceptedOfferID != "" {
		t.Fatalf("unexpected request after release: %+v", r)
	}
}

func TestAutoRejectSiblingsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	now := time.Now().UTC()
	_ = s.InsertRequest(ctx, newRequest("REQ_1", "+966500000001", now))
	for i, v := range []string{"v1", "v2", "v3"} {
		o := domain.Offer{
			ID: fmt.Sprintf("off_%d", i), RequestID: "REQ_1", VendorID: v, VendorPhone: "+9665" + v,
			VendorName: v, Price: int64(100 * (i + 1)), Status: domain.OfferPending, CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.InsertOffer(ctx, o); err != nil {
			t.Fatalf("insert offer: %v", err)
		}
	}
	dup := domain.Offer{ID: "off_dup", RequestID: "REQ_1", VendorID: "v1", VendorPhone: "x", VendorName: "v1", Status: domain.OfferPending, CreatedAt: now}
	if err := s.InsertOffer(ctx, dup); domain.CodeOf(err) != domain.CodeDuplicateOffer {
		t.Fatalf("expected duplicate_offer, got %v", err)
	}

	if ok, err := s.TransitionOffer(ctx, "off_0", domain.OfferPending, domain.OfferAccepted, now); err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.TransitionOffer(ctx, "off_1", domain.OfferPending, domain.OfferAccepted, now); ok {
		t.Fatalf("second accepted offer on same request must be rejected by the index")
	}

	losers, err := s.AutoRejectSiblings(ctx, "REQ_1", "off_0", now)
	if err != nil || len(losers) != 2 {
		t.Fatalf("sweep: losers=%v err=%v", losers, err)
	}
	again, err := s.AutoRejectSiblings(ctx, "REQ_1", "off_0", now)
	if err != nil || len(again) != 0 {
		t.Fatalf("second sweep must be empty: %v %v", again, err)
	}

	offers, _ := s.ListOffers(ctx, "REQ_1")
	accepted := 0
	for _, o := range offers {
		if o.Status == domain.OfferAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted offer, got %d", accepted)
	}
}

func TestRecordWaveOnlyOncePerWave(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	now := time.Now().UTC()
	_ = s.InsertRequest(ctx, newRequest("REQ_1", "+966500000001", now))
	w := store.WaveUpdate{RequestID: "REQ_1", Wave: 1, Invited: []string{"v1", "v2"}, TotalAvailable: 4, Now: now}
	if ok, err := s.RecordWave(ctx, w); err != nil || !ok {
		t.Fatalf("wave 1: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.RecordWave(ctx, w); ok {
		t.Fatalf("replaying wave 1 must be a no-op")
	}
	w2 := store.WaveUpdate{RequestID: "REQ_1", Wave: 2, Invited: []string{"v3", "v4"}, FullyDispatched: true, TotalAvailable: 4, Now: now}
	if ok, err := s.RecordWave(ctx, w2); err != nil || !ok {
		t.Fatalf("wave 2: ok=%v err=%v", ok, err)
	}
	r, _, _ := s.GetRequest(ctx, "REQ_1")
	if r.WaveNumber != 2 || len(r.DispatchedVendors) != 4 || !r.FullyDispatched {
		t.Fatalf("unexpected dispatch bookkeeping: %+v", r)
	}
}

func TestScheduledEventsClaim(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	now := time.Now().UTC()
	ev := domain.ScheduledEvent{ID: domain.EventID(domain.EventWave2Check, "REQ_1"), Kind: domain.EventWave2Check, RequestID: "REQ_1", FiresAt: now.Add(time.Minute)}
	if err := s.ScheduleEvent(ctx, ev, now); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.ScheduleEvent(ctx, ev, now); err != nil {
		t.Fatalf("reschedule same id: %v", err)
	}

	got, err := s.ClaimDueEvents(ctx, now, 10, time.Minute)
	if err != nil || len(got) != 0 {
		t.Fatalf("nothing is due yet: %v %v", got, err)
	}
	got, err = s.ClaimDueEvents(ctx, now.Add(2*time.Minute), 10, time.Minute)
	if err != nil || len(got) != 1 || got[0].Attempts != 1 {
		t.Fatalf("expected one claimed event: %v %v", got, err)
	}
	got, _ = s.ClaimDueEvents(ctx, now.Add(2*time.Minute), 10, time.Minute)
	if len(got) != 0 {
		t.Fatalf("claimed event must not be handed out twice")
	}
	if err := s.FinishEvent(ctx, ev.ID, domain.EventDone, "", now); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestOutboundDedupAndInboundClaim(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	now := time.Now().UTC()
	in := store.OutboundInsert{ID: "msg_1", DedupKey: "apology:REQ_1", To: "+966500000001", Kind: domain.KindText, Body: "sorry", Now: now}
	if ok, err := s.InsertOutbound(ctx, in); err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	in.ID = "msg_2"
	if ok, _ := s.InsertOutbound(ctx, in); ok {
		t.Fatalf("dedup key must suppress the second insert")
	}

	if ok, _ := s.ClaimInbound(ctx, "SM1", "+966500000001", now, time.Minute); !ok {
		t.Fatalf("first claim must succeed")
	}
	if ok, _ := s.ClaimInbound(ctx, "SM1", "+966500000001", now, time.Minute); ok {
		t.Fatalf("duplicate delivery must not be claimed")
	}
	_ = s.CompleteInbound(ctx, "SM1", now)
	if ok, _ := s.ClaimInbound(ctx, "SM1", "+966500000001", now.Add(time.Hour), time.Minute); ok {
		t.Fatalf("processed message must never be reclaimed")
	}
}

func TestVendorMetrics(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	insertVendor(t, db, "v1", "+966511111111", []string{"Riyadh"}, []string{"FEASTS"})
	now := time.Now().UTC()
	_ = s.RecordVendorOffer(ctx, "v1", 60, now)
	_ = s.RecordVendorOffer(ctx, "v1", 120, now)
	_ = s.IncrementVendorWins(ctx, "v1", now)

	v, found, err := s.GetVendorByPhone(ctx, "+966511111111")
	if err != nil || !found {
		t.Fatalf("get vendor: found=%v err=%v", found, err)
	}
	if v.TotalOffers != 2 || v.AvgResponseSeconds != 90 || v.TotalWins != 1 {
		t.Fatalf("unexpected metrics: %+v", v)
	}

	list, err := s.ListActiveVendorsByCategory(ctx, "FEASTS")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
	if list, _ := s.ListActiveVendorsByCategory(ctx, "SWEETS"); len(list) != 0 {
		t.Fatalf("category filter failed: %v", list)
	}
}

func newRequest(id, phone string, now time.Time) domain.Request {
	return domain.Request{
		ID: id, CustomerPhone: phone, City: "Riyadh", Category: "FEASTS",
		Status: domain.RequestOpen, SecurityToken: "tok-" + id, CreatedAt: now,
	}
}

func insertVendor(t *testing.T, db *pgxpool.Pool, id, phone string, cities, categories []string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO vendors (id, phone, name, status, serving_cities, categories, rating)
		VALUES ($1,$2,$3,'ACTIVE',$4,$5,4.5)
	`, id, phone, "Vendor "+id, cities, categories)
	if err != nil {
		t.Fatalf("insert vendor: %v", err)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	_, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema)
	if err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_init.sql"))
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}

	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}

	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
