package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestTicketLifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedServiceType(t, ctx, st, "RENEWAL", "Renewal")

	issued := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ticket := models.NewTicket("REN-0007", models.ServiceType{Key: "RENEWAL"}, "Ana", models.PrioritySeniorCitizen, issued)
	if err := st.SaveTicket(ctx, *ticket); err != nil {
		t.Fatalf("save ticket: %v", err)
	}
	if err := st.SaveTicket(ctx, *ticket); !errors.Is(err, store.ErrTicketExists) {
		t.Fatalf("expected ErrTicketExists on second save, got %v", err)
	}
	orphan := models.NewTicket("ZZZ-0001", models.ServiceType{Key: "ZZZ"}, "", models.PriorityNone, issued)
	if err := st.SaveTicket(ctx, *orphan); !errors.Is(err, store.ErrServiceTypeNotFound) {
		t.Fatalf("expected ErrServiceTypeNotFound, got %v", err)
	}

	waiting, err := st.ListTickets(ctx, store.TicketFilter{Statuses: []models.Status{models.StatusWaiting}})
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if len(waiting) != 1 || waiting[0].ServiceType.DisplayName != "Renewal" || waiting[0].Priority != models.ElevatedPriority {
		t.Fatalf("unexpected waiting tickets: %+v", waiting)
	}

	agent := "agent1"
	called := issued.Add(time.Minute)
	if err := st.UpdateTicketStatus(ctx, ticket.TicketNumber, models.StatusServing, &agent); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := st.UpdateTicketTimes(ctx, ticket.TicketNumber, &called, nil, nil); err != nil {
		t.Fatalf("update times: %v", err)
	}

	serving, err := st.ListTickets(ctx, store.TicketFilter{Statuses: []models.Status{models.StatusServing}})
	if err != nil {
		t.Fatalf("list serving: %v", err)
	}
	if len(serving) != 1 || serving[0].Agent() != agent || serving[0].CallTime == nil || !serving[0].CallTime.Equal(called) {
		t.Fatalf("unexpected serving tickets: %+v", serving)
	}
	if serving[0].ServiceStartTime != nil {
		t.Fatalf("expected start time untouched")
	}

	highest, err := st.HighestTicketSequence(ctx)
	if err != nil {
		t.Fatalf("highest sequence: %v", err)
	}
	if highest != 7 {
		t.Fatalf("expected highest sequence 7, got %d", highest)
	}

	if err := st.UpdateTicketStatus(ctx, "NOPE-0001", models.StatusCompleted, nil); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestUpdateTicketPriorityReportsMissingTicket(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedServiceType(t, ctx, st, "PAYMENT", "Payment")
	ticket := models.NewTicket("PAY-0001", models.ServiceType{Key: "PAYMENT"}, "", models.PriorityNone, time.Now().UTC())
	if err := st.SaveTicket(ctx, *ticket); err != nil {
		t.Fatalf("save ticket: %v", err)
	}

	ok, err := st.UpdateTicketPriority(ctx, "PAY-0001", models.PriorityPregnant)
	if err != nil || !ok {
		t.Fatalf("expected update to succeed, got %v %v", ok, err)
	}
	ok, err = st.UpdateTicketPriority(ctx, "PAY-9999", models.PriorityPregnant)
	if err != nil || ok {
		t.Fatalf("expected missing ticket to report false, got %v %v", ok, err)
	}
}

func TestRemoveServiceTypeGuardsReferencedTypes(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedServiceType(t, ctx, st, "CLAIMS", "Claims")
	seedServiceType(t, ctx, st, "PERMITS", "Permits")
	if err := st.AddServiceType(ctx, models.ServiceType{Key: "claims", DisplayName: "Dup"}); !errors.Is(err, store.ErrServiceTypeExists) {
		t.Fatalf("expected ErrServiceTypeExists, got %v", err)
	}

	ticket := models.NewTicket("CLA-0001", models.ServiceType{Key: "CLAIMS"}, "", models.PriorityNone, time.Now().UTC())
	if err := st.SaveTicket(ctx, *ticket); err != nil {
		t.Fatalf("save ticket: %v", err)
	}

	if err := st.RemoveServiceType(ctx, "claims"); !errors.Is(err, store.ErrServiceTypeInUse) {
		t.Fatalf("expected ErrServiceTypeInUse, got %v", err)
	}
	if err := st.RemoveServiceType(ctx, "permits"); err != nil {
		t.Fatalf("remove unused service type: %v", err)
	}
	if err := st.RemoveServiceType(ctx, "permits"); !errors.Is(err, store.ErrServiceTypeNotFound) {
		t.Fatalf("expected ErrServiceTypeNotFound, got %v", err)
	}
	if _, found, err := st.FindServiceType(ctx, "permits"); err != nil || found {
		t.Fatalf("expected removed service type to be gone, found=%v err=%v", found, err)
	}
}

func TestSaveFeedbackAssignsID(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedServiceType(t, ctx, st, "INQUIRY", "Inquiry")
	ticket := models.NewTicket("INQ-0001", models.ServiceType{Key: "INQUIRY"}, "", models.PriorityNone, time.Now().UTC())
	if err := st.SaveTicket(ctx, *ticket); err != nil {
		t.Fatalf("save ticket: %v", err)
	}

	saved, err := st.SaveFeedback(ctx, models.Feedback{TicketNumber: "INQ-0001", Rating: 4, Comments: "quick"})
	if err != nil {
		t.Fatalf("save feedback: %v", err)
	}
	if saved.ID == 0 || saved.SubmissionTime.IsZero() {
		t.Fatalf("expected id and submission time, got %+v", saved)
	}
}

func TestSearchTicketsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedServiceType(t, ctx, st, "RENEWAL", "License Renewal")
	seedServiceType(t, ctx, st, "PAYMENT", "Payments")
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for _, ticket := range []*models.Ticket{
		models.NewTicket("REN-0001", models.ServiceType{Key: "RENEWAL"}, "Maria 100%", models.PriorityNone, base),
		models.NewTicket("PAY-0002", models.ServiceType{Key: "PAYMENT"}, "Jose", models.PriorityNone, base.Add(time.Minute)),
		models.NewTicket("REN-0003", models.ServiceType{Key: "RENEWAL"}, "", models.PriorityNone, base.Add(2*time.Minute)),
	} {
		if err := st.SaveTicket(ctx, *ticket); err != nil {
			t.Fatalf("save %s: %v", ticket.TicketNumber, err)
		}
	}
	if err := st.UpdateTicketStatus(ctx, "REN-0001", models.StatusCompleted, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}

	tests := []struct {
		name  string
		query store.TicketQuery
		want  []string
	}{
		{"everything newest first", store.TicketQuery{}, []string{"REN-0003", "PAY-0002", "REN-0001"}},
		{"status filter", store.TicketQuery{Statuses: []models.Status{models.StatusCompleted}}, []string{"REN-0001"}},
		{"display name text", store.TicketQuery{Text: "renewal", Statuses: []models.Status{models.StatusWaiting}}, []string{"REN-0003"}},
		{"wildcards are literal", store.TicketQuery{Text: "100%"}, []string{"REN-0001"}},
		{"underscore is literal", store.TicketQuery{Text: "_"}, nil},
		{"limit", store.TicketQuery{Limit: 1}, []string{"REN-0003"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := st.SearchTickets(ctx, tc.query)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %+v", tc.want, got)
			}
			for i := range got {
				if got[i].TicketNumber != tc.want[i] {
					t.Fatalf("expected %v, got %+v", tc.want, got)
				}
			}
		})
	}
}

func TestListFeedbackNewestFirst(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedServiceType(t, ctx, st, "INQUIRY", "Inquiry")
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, number := range []string{"INQ-0001", "INQ-0002"} {
		if err := st.SaveTicket(ctx, *models.NewTicket(number, models.ServiceType{Key: "INQUIRY"}, "", models.PriorityNone, base)); err != nil {
			t.Fatalf("save ticket: %v", err)
		}
		if _, err := st.SaveFeedback(ctx, models.Feedback{TicketNumber: number, Rating: 3 + i, SubmissionTime: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("save feedback: %v", err)
		}
	}

	items, err := st.ListFeedback(ctx)
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	if len(items) != 2 || items[0].TicketNumber != "INQ-0002" || items[1].TicketNumber != "INQ-0001" {
		t.Fatalf("unexpected feedback order: %+v", items)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execSQL(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	scoped, err := withSearchPath(dsn, schema)
	if err != nil {
		t.Fatalf("scope dsn: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := Migrate(scoped, filepath.Join("..", "..", "..", "migrations"), logger); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = execSQL(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	}
	return NewStore(pool), cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("search_path", schema)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func execSQL(ctx context.Context, dsn, statement string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, statement)
	return err
}

func seedServiceType(t *testing.T, ctx context.Context, st *Store, key, name string) {
	t.Helper()
	if err := st.AddServiceType(ctx, models.ServiceType{Key: key, DisplayName: name}); err != nil {
		t.Fatalf("add service type %s: %v", key, err)
	}
}
