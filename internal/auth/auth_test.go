package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testClaims() Claims {
	return Claims{
		PilotID:   "pilot-7",
		RaceID:    "race-3",
		PilotName: "Ada",
		RaceName:  "Trofeo Montegrappa",
		Timezone:  "Europe/Rome",
	}
}

func TestIssueValidateRoundTrip(t *testing.T) {
	a := New("test-secret", "livetrack", time.Hour)

	token, err := a.Issue(testClaims())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := a.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.PilotID != "pilot-7" {
		t.Errorf("Validate() PilotID = %q, want pilot-7", claims.PilotID)
	}
	if claims.RaceID != "race-3" {
		t.Errorf("Validate() RaceID = %q, want race-3", claims.RaceID)
	}
	if claims.Timezone != "Europe/Rome" {
		t.Errorf("Validate() Timezone = %q, want Europe/Rome", claims.Timezone)
	}
	if claims.Subject != "pilot-7" {
		t.Errorf("Validate() Subject = %q, want pilot-7", claims.Subject)
	}
}

func TestValidateRejections(t *testing.T) {
	a := New("test-secret", "livetrack", time.Hour)

	tests := []struct {
		name  string
		token func() string
	}{
		{
			name: "wrong secret",
			token: func() string {
				other := New("different-secret", "livetrack", time.Hour)
				s, _ := other.Issue(testClaims())
				return s
			},
		},
		{
			name: "wrong issuer",
			token: func() string {
				other := New("test-secret", "someone-else", time.Hour)
				s, _ := other.Issue(testClaims())
				return s
			},
		},
		{
			name: "expired",
			token: func() string {
				expired := New("test-secret", "livetrack", -time.Minute)
				s, _ := expired.Issue(testClaims())
				return s
			},
		},
		{
			name: "missing race id",
			token: func() string {
				c := testClaims()
				c.RaceID = ""
				s, _ := a.Issue(c)
				return s
			},
		},
		{
			name:  "not a token",
			token: func() string { return "garbage.garbage.garbage" },
		},
		{
			name:  "empty",
			token: func() string { return "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Validate(tt.token()); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "bearer header", header: "Bearer tok-123", want: "tok-123"},
		{name: "query parameter", query: "tok-456", want: "tok-456"},
		{name: "header wins over query", header: "Bearer tok-123", query: "tok-456", want: "tok-123"},
		{name: "non-bearer header falls through to query", header: "Basic dXNlcg==", query: "tok-456", want: "tok-456"},
		{name: "nothing", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/ws/live/race-1"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			r := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := FromRequest(r); got != tt.want {
				t.Errorf("FromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	a := New("test-secret", "livetrack", time.Hour)
	token, err := a.Issue(testClaims())
	if err != nil {
		t.Fatal(err)
	}

	var gotClaims *Claims
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token passes and stores claims", func(t *testing.T) {
		gotClaims = nil
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if gotClaims == nil || gotClaims.PilotID != "pilot-7" {
			t.Errorf("claims in context = %+v, want pilot-7", gotClaims)
		}
	})

	t.Run("missing token is 401", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("bad token is 401", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer bogus")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if !strings.Contains(w.Body.String(), "invalid token") {
			t.Errorf("body = %q, want invalid token message", w.Body.String())
		}
	})
}
