package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/user/twins":                     "/user/twins",
		"/user/twins/abc":                 "/user/twins/:id",
		"/user/twins/abc/start":           "/user/twins/:id/start",
		"/user/twins/abc/stop":            "/user/twins/:id/stop",
		"/user/twins/abc/action/predict":  "/user/twins/:id/action/:endpoint",
		"/user/models/abc/subscribe":      "/user/models/:id/subscribe",
		"/owner/models/abc/policy":        "/owner/models/:id/policy",
		"/owner/models/abc/usage":         "/owner/models/:id/usage",
		"/user/twins/abc/extra":           "/user/twins/abc/extra",
		"/user/twins/abc/start?verbose=1": "/user/twins/:id/start",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
