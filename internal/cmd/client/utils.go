package client

import "os"

// APIBaseURL returns the river server base URL from RIVER_HTTP or a default.
func APIBaseURL() string {
	if v := os.Getenv("RIVER_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
