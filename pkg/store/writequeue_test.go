package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/FulgerX2007/visual-reports-app/pkg/model"
)

func newTestStore(t testing.TB, opts ...Option) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reports.db")
	store, err := NewStore(dbPath, opts...)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store, dbPath
}

func testDefinition(name string) *model.ReportDefinition {
	return &model.ReportDefinition{
		ReportParams: model.ReportParams{
			ReportName:   name,
			ReportSource: model.SourceDashboard,
			CoreParams: model.CoreParams{Visual: &model.VisualReportParams{
				BaseURL:      "http://kibana.local/app/dashboards#/view/1",
				ReportFormat: model.FormatPDF,
			}},
		},
		Trigger: model.Trigger{TriggerType: model.TriggerOnDemand},
	}
}

// TestConcurrentWrites checks that concurrent writers never hit SQLITE_BUSY.
func TestConcurrentWrites(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	numDefinitions := 10
	numReports := 5

	var wg sync.WaitGroup
	errChan := make(chan error, numDefinitions*(1+numReports*2))

	for i := 0; i < numDefinitions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			def := testDefinition("Concurrent")
			if err := store.PutDefinition(ctx, def); err != nil {
				errChan <- err
				return
			}

			for j := 0; j < numReports; j++ {
				wg.Add(1)
				go func() {
					defer wg.Done()

					report := model.NewReport(def)
					if err := store.IndexReport(ctx, report); err != nil {
						errChan <- err
						return
					}

					report.State = model.StateCreated
					report.TimeCreated = 1717236000000
					report.FileName = "reporting_Concurrent.pdf"
					art := &model.Artifact{Data: []byte("%PDF-1.7"), ContentType: "application/pdf"}
					if err := store.UpdateReport(ctx, report, art); err != nil {
						errChan <- err
					}
				}()
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		t.Errorf("Got %d errors during concurrent writes:", len(errs))
		for _, err := range errs {
			t.Errorf("  - %v", err)
		}
	}

	defs, err := store.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("Failed to list definitions: %v", err)
	}
	if len(defs) != numDefinitions {
		t.Errorf("Expected %d definitions, got %d", numDefinitions, len(defs))
	}

	total, _, err := store.ListReports(ctx, ListQuery{})
	if err != nil {
		t.Fatalf("Failed to list reports: %v", err)
	}
	if total != numDefinitions*numReports {
		t.Errorf("Expected %d total reports, got %d", numDefinitions*numReports, total)
	}
}

// TestWriteQueueShutdown checks that Close completes queued writes before returning.
func TestWriteQueueShutdown(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.PutDefinition(ctx, testDefinition("Shutdown")); err != nil {
			t.Fatalf("Failed to put definition: %v", err)
		}
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	if err := store.PutDefinition(ctx, testDefinition("late")); err == nil {
		t.Errorf("Expected write after Close to fail")
	}

	store2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store2.Close()

	defs, err := store2.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("Failed to list definitions: %v", err)
	}
	if len(defs) != 5 {
		t.Errorf("Expected 5 definitions after shutdown, got %d", len(defs))
	}
}

func TestEnqueueHonoursCancelledContext(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()

	// Stop the writer; queued ops would never be answered.
	store.writeQueue.cancel()
	<-store.writeQueue.done

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.IndexReport(ctx, model.NewReport(testDefinition("x"))); err == nil {
		t.Errorf("Expected an error once the queue is stopped")
	}
}

func BenchmarkConcurrentWrites(b *testing.B) {
	store, _ := newTestStore(b)
	defer store.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := store.PutDefinition(ctx, testDefinition("Bench")); err != nil {
			b.Fatalf("Failed to put definition: %v", err)
		}
	}
}
