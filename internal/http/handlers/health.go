package handlers

import (
	"net/http"
)

func (a *App) Root(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("mapxion api ok"))
}

// Health stays 200 while the queue is down; submit reports that case.
func (a *App) Health(w http.ResponseWriter, _ *http.Request) {
	a.json(w, http.StatusOK, healthResponse{OK: true, QueueReady: a.Dispatcher.QueueReady()})
}

func (a *App) VersionInfo(w http.ResponseWriter, _ *http.Request) {
	a.json(w, http.StatusOK, versionResponse{Service: "mapxion-api", Version: a.Version})
}
