package config

import "testing"

func TestEnvVarName(t *testing.T) {
	cases := map[string]string{
		"database-url":       "DATABASE_URL",
		"receiver-http-port": "RECEIVER_HTTP_PORT",
		"workers":            "WORKERS",
	}
	for in, want := range cases {
		if got := envVarName(in); got != want {
			t.Errorf("envVarName(%q) = %q, want %q", in, got, want)
		}
	}
}
