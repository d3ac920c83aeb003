// Package api is the serverless entry point. The runtime is built once per
// instance and reused across invocations.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"authcore/internal/app"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(context.Background(), app.Options{
			ConfigPath:     os.Getenv("AUTHCORE_CONFIG"),
			SkipMigrations: os.Getenv("AUTHCORE_DATABASE__RUN_MIGRATIONS") == "",
		})
	})

	if initErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "application bootstrap failed"})
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
