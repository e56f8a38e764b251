package lpchain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/operations" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req OperationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Kind != "withdraw" || req.Position != "position-1" {
			t.Fatalf("unexpected request: %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Operation{ID: "op-1", Kind: req.Kind, Status: "pending"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	op, err := client.SubmitOperation(context.Background(), OperationRequest{
		Kind:     "withdraw",
		Owner:    "owner-1",
		Position: "position-1",
	})
	if err != nil {
		t.Fatalf("submit operation: %v", err)
	}
	if op.ID != "op-1" || op.Status != "pending" {
		t.Fatalf("unexpected operation: %+v", op)
	}
}

func TestGetOperationSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"OPERATION_NOT_FOUND","message":"operation not found"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.GetOperation(context.Background(), "missing")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "OPERATION_NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestListOperationsEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("owner") != "owner-1" || query.Get("limit") != "10" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if got := query["status"]; len(got) != 2 {
			t.Fatalf("expected two status filters, got %v", got)
		}
		_ = json.NewEncoder(w).Encode([]Operation{{ID: "op-1"}, {ID: "op-2"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	ops, err := client.ListOperations(context.Background(), ListOptions{
		Limit:    10,
		Owner:    "owner-1",
		Statuses: []string{"pending", "running"},
	})
	if err != nil {
		t.Fatalf("list operations: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected two operations, got %d", len(ops))
	}
}

func TestPreviewPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/plans" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(PlanPreview{
			Kind: "open",
			Mode: "atomic-bundle",
			Steps: []PlanStep{
				{Label: "swap-x", NeedsRepair: true},
				{Label: "open-position", NeedsRepair: true},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	preview, err := client.PreviewPlan(context.Background(), OperationRequest{
		Kind:   "open",
		Owner:  "owner-1",
		Pool:   "pool-1",
		Amount: "100",
	})
	if err != nil {
		t.Fatalf("preview plan: %v", err)
	}
	if len(preview.Steps) != 2 || preview.Mode != "atomic-bundle" {
		t.Fatalf("unexpected preview: %+v", preview)
	}
}
