package callbacks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"porter/internal/service"

	"github.com/gin-gonic/gin"
)

type fakeFinalizer struct {
	payload service.CallbackPayload
	token   string
}

func (f *fakeFinalizer) Handle(_ context.Context, payload service.CallbackPayload, token string) (int, service.CallbackResponse) {
	f.payload = payload
	f.token = token
	return http.StatusOK, service.CallbackResponse{OK: true, PRURL: "https://github.com/o/r/pull/1", PRNumber: 1}
}

func setupRouter(f Finalizer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/callbacks/complete", NewHandler(f).Complete)
	return r
}

func TestComplete(t *testing.T) {
	f := &fakeFinalizer{}
	r := setupRouter(f)

	body := `{"execution_id":"task_1","status":"complete","branch_name":"porter/task_1","callback_attempt":"2"}`
	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/complete", strings.NewReader(body))
	req.Header.Set("x-porter-callback-token", "tok")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if f.token != "tok" {
		t.Errorf("Expected header token tok, got %q", f.token)
	}
	if f.payload.ExecutionID != "task_1" || f.payload.CallbackAttempt != 2 {
		t.Errorf("Unexpected payload %+v", f.payload)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp["ok"] != true || resp["prNumber"].(float64) != 1 {
		t.Errorf("Expected bare ok body with PR, got %v", resp)
	}
	if _, ok := resp["code"]; ok {
		t.Error("Expected no envelope on the callback endpoint")
	}
}

func TestComplete_MalformedBody(t *testing.T) {
	r := setupRouter(&fakeFinalizer{})

	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/complete", strings.NewReader(`{not json`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] == nil {
		t.Error("Expected error field")
	}
}
