package fly

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

const orgsResponse = `{"data":{"organizations":{"nodes":[{"slug":"acme","type":"SHARED"},{"slug":"personal-me","type":"PERSONAL"}]}}}`

func TestValidateCredentials_MissingToken(t *testing.T) {
	client := NewClient()
	result := client.ValidateCredentials(context.Background(), "  ", "app", ModeOrg)
	if result.Status != StatusMissingToken {
		t.Errorf("Expected missing_token, got %s", result.Status)
	}
}

func TestValidateCredentials_Deploy(t *testing.T) {
	tests := []struct {
		name   string
		app    string
		status int
		want   ValidationStatus
	}{
		{"ready", "porter-app", http.StatusOK, StatusReady},
		{"not found", "porter-app", http.StatusNotFound, StatusAppNotFound},
		{"invalid token", "porter-app", http.StatusUnauthorized, StatusInvalidToken},
		{"forbidden", "porter-app", http.StatusForbidden, StatusInsufficientScope},
		{"server error", "porter-app", http.StatusInternalServerError, StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(func(request *http.Request) (*http.Response, error) {
				if request.URL.Path != "/v1/apps/porter-app" {
					t.Fatalf("unexpected request: %s %s", request.Method, request.URL.Path)
				}
				return jsonResponse(tt.status, `{"name":"porter-app","organization":{"slug":"acme"}}`), nil
			})

			result := client.ValidateCredentials(context.Background(), "tok", tt.app, ModeDeploy)
			if result.Status != tt.want {
				t.Errorf("Expected %s, got %s (%s)", tt.want, result.Status, result.Message)
			}
			if tt.want == StatusReady && result.OrgSlug != "acme" {
				t.Errorf("Expected org acme, got %q", result.OrgSlug)
			}
		})
	}
}

func TestValidateCredentials_DeployInfersSingleApp(t *testing.T) {
	client := newTestClient(func(request *http.Request) (*http.Response, error) {
		switch request.URL.Path {
		case "/v1/apps":
			return jsonResponse(http.StatusOK, `{"apps":[{"name":"only-app"}]}`), nil
		case "/v1/apps/only-app":
			return jsonResponse(http.StatusOK, `{"name":"only-app"}`), nil
		}
		t.Fatalf("unexpected request: %s", request.URL.Path)
		return nil, nil
	})

	result := client.ValidateCredentials(context.Background(), "tok", "", ModeDeploy)
	if result.Status != StatusReady || result.AppName != "only-app" {
		t.Errorf("Expected ready only-app, got %+v", result)
	}
}

func TestValidateCredentials_DeployAmbiguousApp(t *testing.T) {
	client := newTestClient(func(request *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"apps":[{"name":"a"},{"name":"b"}]}`), nil
	})

	result := client.ValidateCredentials(context.Background(), "tok", "", ModeDeploy)
	if result.Status != StatusMissingAppName {
		t.Errorf("Expected missing_app_name, got %s", result.Status)
	}
}

func TestValidateCredentials_OrgCreatesApp(t *testing.T) {
	var created map[string]string
	client := newTestClient(func(request *http.Request) (*http.Response, error) {
		switch request.Method + " " + request.URL.Host + request.URL.Path {
		case "POST graphql.test/graphql":
			return jsonResponse(http.StatusOK, orgsResponse), nil
		case "GET machines.test/v1/apps":
			if request.URL.Query().Get("org_slug") != "personal-me" {
				t.Errorf("unexpected org_slug %q", request.URL.RawQuery)
			}
			return jsonResponse(http.StatusOK, `{"apps":[]}`), nil
		case "POST machines.test/v1/apps":
			body, _ := io.ReadAll(request.Body)
			json.Unmarshal(body, &created)
			return jsonResponse(http.StatusCreated, `{}`), nil
		}
		t.Fatalf("unexpected request: %s %s", request.Method, request.URL)
		return nil, nil
	}, WithNameFn(func() string { return "porter-abcd1234" }))

	result := client.ValidateCredentials(context.Background(), "tok", "", ModeOrg)
	if result.Status != StatusReady || !result.AppCreated {
		t.Fatalf("Expected created ready app, got %+v", result)
	}
	if created["app_name"] != "porter-abcd1234" || created["org_slug"] != "personal-me" {
		t.Errorf("unexpected create payload %v", created)
	}
}

func TestValidateCredentials_OrgReusesExistingApp(t *testing.T) {
	client := newTestClient(func(request *http.Request) (*http.Response, error) {
		if request.URL.Host == "graphql.test" {
			return jsonResponse(http.StatusOK, orgsResponse), nil
		}
		if request.Method == http.MethodGet && request.URL.Path == "/v1/apps" {
			return jsonResponse(http.StatusOK, `{"apps":[{"name":"website"},{"name":"porter-feedface"}]}`), nil
		}
		t.Fatalf("unexpected request: %s %s", request.Method, request.URL)
		return nil, nil
	})

	result := client.ValidateCredentials(context.Background(), "tok", "", ModeOrg)
	if result.Status != StatusReady || result.AppName != "porter-feedface" || result.AppCreated {
		t.Errorf("Expected reuse of porter-feedface, got %+v", result)
	}
}

func TestValidateCredentials_OrgRetriesGeneratedNameConflict(t *testing.T) {
	names := []string{"porter-00000001", "porter-00000002", "porter-00000003"}
	next := 0
	creates := 0
	client := newTestClient(func(request *http.Request) (*http.Response, error) {
		switch {
		case request.URL.Host == "graphql.test":
			return jsonResponse(http.StatusOK, orgsResponse), nil
		case request.Method == http.MethodGet:
			return jsonResponse(http.StatusForbidden, `{"error":"cannot list"}`), nil
		case request.Method == http.MethodPost:
			creates++
			if creates < 3 {
				return jsonResponse(http.StatusUnprocessableEntity, `{"error":"Name has already been taken"}`), nil
			}
			return jsonResponse(http.StatusCreated, `{}`), nil
		}
		return nil, nil
	}, WithNameFn(func() string {
		name := names[next]
		next++
		return name
	}))

	result := client.ValidateCredentials(context.Background(), "tok", "", ModeOrg)
	if result.Status != StatusReady || result.AppName != "porter-00000003" {
		t.Fatalf("Expected ready porter-00000003, got %+v", result)
	}
	if creates != 3 {
		t.Errorf("Expected 3 create attempts, got %d", creates)
	}
}

func TestValidateCredentials_OrgConflictGivesUpAfterRetries(t *testing.T) {
	creates := 0
	client := newTestClient(func(request *http.Request) (*http.Response, error) {
		switch {
		case request.URL.Host == "graphql.test":
			return jsonResponse(http.StatusOK, orgsResponse), nil
		case request.Method == http.MethodGet:
			return jsonResponse(http.StatusForbidden, ``), nil
		default:
			creates++
			return jsonResponse(http.StatusConflict, `{"error":"taken"}`), nil
		}
	}, WithNameFn(func() string { return "porter-x" }))

	result := client.ValidateCredentials(context.Background(), "tok", "", ModeOrg)
	if result.Status != StatusNameConflict {
		t.Errorf("Expected name_conflict, got %s", result.Status)
	}
	if creates != maxNameRetries+1 {
		t.Errorf("Expected %d create attempts, got %d", maxNameRetries+1, creates)
	}
}

func TestValidateCredentials_OrgExplicitNameConflictIsTerminal(t *testing.T) {
	creates := 0
	client := newTestClient(func(request *http.Request) (*http.Response, error) {
		switch {
		case request.URL.Host == "graphql.test":
			return jsonResponse(http.StatusOK, orgsResponse), nil
		case request.Method == http.MethodGet:
			return jsonResponse(http.StatusNotFound, ``), nil
		default:
			creates++
			return jsonResponse(http.StatusConflict, `{"error":"taken"}`), nil
		}
	}, WithNameFn(func() string {
		t.Fatal("explicit names must not be regenerated")
		return ""
	}))

	result := client.ValidateCredentials(context.Background(), "tok", "my-app", ModeOrg)
	if result.Status != StatusNameConflict || result.AppName != "my-app" {
		t.Errorf("Expected name_conflict for my-app, got %+v", result)
	}
	if creates != 1 {
		t.Errorf("Expected 1 create attempt, got %d", creates)
	}
}

func TestValidateCredentials_OrgGraphQLErrors(t *testing.T) {
	client := newTestClient(func(request *http.Request) (*http.Response, error) {
		if request.URL.Host == "graphql.test" {
			return jsonResponse(http.StatusOK, `{"errors":[{"message":"Not authorized to access this organizations"}]}`), nil
		}
		t.Fatalf("unexpected request: %s", request.URL)
		return nil, nil
	})

	result := client.ValidateCredentials(context.Background(), "tok", "", ModeOrg)
	if result.Status != StatusInsufficientScope {
		t.Errorf("Expected insufficient_scope, got %s", result.Status)
	}
}

func TestValidateCredentials_UnknownMode(t *testing.T) {
	result := NewClient().ValidateCredentials(context.Background(), "tok", "app", "weird")
	if result.Status != StatusError || !strings.Contains(result.Message, "weird") {
		t.Errorf("Expected error for unknown mode, got %+v", result)
	}
}

func TestGenerateAppName(t *testing.T) {
	name := GenerateAppName()
	if !strings.HasPrefix(name, "porter-") || len(name) != len("porter-")+8 {
		t.Errorf("unexpected generated name %q", name)
	}
	if GenerateAppName() == name {
		t.Error("Expected distinct generated names")
	}
}
