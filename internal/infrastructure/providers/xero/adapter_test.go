package xero

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/domain/ledger"
)

var today = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func creds() datasync.Credentials {
	return datasync.Credentials{
		Connection:  &connection.Connection{ID: "c1", ExternalID: "tenant-1", Source: connection.SourceXero},
		AccessToken: "tok",
	}
}

func TestFetchInvoices_Pages(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xero-tenant-id") != "tenant-1" {
			t.Errorf("tenant header = %q", r.Header.Get("xero-tenant-id"))
		}
		if r.URL.Query().Get("where") != `Type=="ACCREC"` {
			t.Errorf("where = %s", r.URL.Query().Get("where"))
		}
		if r.Header.Get("If-Modified-Since") == "" {
			t.Error("If-Modified-Since should be set from the window")
		}
		page := r.URL.Query().Get("page")
		pages = append(pages, page)

		if page == "1" {
			items := make([]string, 0, pageSize)
			for i := 0; i < pageSize; i++ {
				items = append(items, fmt.Sprintf(`{"InvoiceID":"inv-%d","Type":"ACCREC","Status":"AUTHORISED","DateString":"2026-05-01T00:00:00","DueDateString":"2026-07-01T00:00:00","Total":10,"AmountPaid":0,"Contact":{"Name":"C"}}`, i))
			}
			fmt.Fprintf(w, `{"Invoices":[%s]}`, strings.Join(items, ","))
			return
		}
		fmt.Fprint(w, `{"Invoices":[
			{"InvoiceID":"p","Type":"ACCREC","Status":"PAID","DateString":"2026-05-01T00:00:00","Total":1500,"Contact":{"Name":"Acme"}},
			{"InvoiceID":"v","Type":"ACCREC","Status":"VOIDED","DateString":"2026-05-01T00:00:00","Total":5},
			{"InvoiceID":"d","Type":"ACCREC","Status":"DRAFT","DateString":"2026-05-01T00:00:00","Total":5},
			{"InvoiceID":"o","Type":"ACCREC","Status":"AUTHORISED","DateString":"2026-04-01T00:00:00","DueDateString":"2026-05-01T00:00:00","Total":50,"AmountPaid":10}
		]}`)
	}))
	defer srv.Close()

	a := NewAdapter(Config{BaseURL: srv.URL, Now: func() time.Time { return today }})
	got, err := a.FetchInvoices(context.Background(), creds(), ledger.DateRange{From: today.AddDate(0, -1, 0), To: today})
	if err != nil {
		t.Fatalf("FetchInvoices() error = %v", err)
	}

	if len(pages) != 2 {
		t.Errorf("pages = %v, want 2", pages)
	}
	if len(got) != pageSize+3 {
		t.Fatalf("invoices = %d, want %d (draft skipped)", len(got), pageSize+3)
	}

	tail := got[pageSize:]
	wantStatus := []ledger.InvoiceStatus{ledger.StatusPaid, ledger.StatusVoid, ledger.StatusOverdue}
	for i, s := range wantStatus {
		if tail[i].Status != s {
			t.Errorf("%s status = %s, want %s", tail[i].ExternalID, tail[i].Status, s)
		}
	}
	if tail[0].CounterpartyName != "Acme" || tail[0].TotalAmount.String() != "1500" {
		t.Errorf("paid invoice = %+v", tail[0])
	}
}

func TestFetchBills(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("where") != `Type=="ACCPAY"` {
			t.Errorf("where = %s", r.URL.Query().Get("where"))
		}
		fmt.Fprint(w, `{"Invoices":[{"InvoiceID":"b","Type":"ACCPAY","Status":"AUTHORISED","DateString":"2026-05-20T00:00:00","DueDateString":"2026-06-20T00:00:00","Total":99,"AmountPaid":40,"Contact":{"Name":"Supplier"}}]}`)
	}))
	defer srv.Close()

	a := NewAdapter(Config{BaseURL: srv.URL, Now: func() time.Time { return today }})
	got, err := a.FetchBills(context.Background(), creds(), ledger.DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Type != ledger.TypeBill || got[0].Status != ledger.StatusPartial {
		t.Errorf("bills = %+v", got)
	}
}

func TestFetchInvoices_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := NewAdapter(Config{BaseURL: srv.URL})
	if _, err := a.FetchInvoices(context.Background(), creds(), ledger.DateRange{}); !errors.Is(err, datasync.ErrUnauthorized) {
		t.Errorf("error = %v, want %v", err, datasync.ErrUnauthorized)
	}
}

func TestRefreshCredentials_InvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	a := NewAdapter(Config{ClientID: "id", ClientSecret: "s", TokenURL: srv.URL})
	_, err := a.RefreshCredentials(context.Background(), &connection.Connection{RefreshToken: "used"})
	if !errors.Is(err, datasync.ErrAuthExpired) {
		t.Errorf("RefreshCredentials() error = %v, want %v", err, datasync.ErrAuthExpired)
	}
}
