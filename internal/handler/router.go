package handler

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires the data-path and admin endpoints
func NewRouter(cacheHandler *CacheHandler, adminHandler *AdminHandler) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/cache/{key}", cacheHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/cache/{key}", cacheHandler.Set).Methods(http.MethodPut)
	api.HandleFunc("/cache/{key}", cacheHandler.Invalidate).Methods(http.MethodDelete)

	api.HandleFunc("/nodes", adminHandler.RegisterNode).Methods(http.MethodPost)
	api.HandleFunc("/nodes", adminHandler.ListNodes).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", adminHandler.DeregisterNode).Methods(http.MethodDelete)

	api.HandleFunc("/policies", adminHandler.RegisterPolicy).Methods(http.MethodPost)
	api.HandleFunc("/rules", adminHandler.RegisterRule).Methods(http.MethodPost)
	api.HandleFunc("/events/{name}", adminHandler.TriggerEvent).Methods(http.MethodPost)

	api.HandleFunc("/locks", adminHandler.AcquireLock).Methods(http.MethodPost)
	api.HandleFunc("/locks/{key}", adminHandler.RenewLock).Methods(http.MethodPut)
	api.HandleFunc("/locks/{key}", adminHandler.ReleaseLock).Methods(http.MethodDelete)

	api.HandleFunc("/stats", adminHandler.Stats).Methods(http.MethodGet)

	return r
}
