package main

import (
	"net/http"
	"time"
)

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", a.handleRoot)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /ready", a.handleReady)

	write := func(h http.HandlerFunc) http.HandlerFunc {
		return a.requireAuth(a.withRateLimit("write", 120, time.Minute, h))
	}

	mux.HandleFunc("POST /api/v1/boards", write(a.handleCreateBoard))
	mux.HandleFunc("GET /api/v1/boards/{id}", a.requireAuth(a.handleGetBoard))
	mux.HandleFunc("GET /api/v1/boards/{id}/full", a.requireAuth(a.handleGetBoardFull))
	mux.HandleFunc("PATCH /api/v1/boards/{id}", write(a.handleUpdateBoard))
	mux.HandleFunc("POST /api/v1/boards/{id}/reorder", write(a.handleReorderBoard))
	mux.HandleFunc("POST /api/v1/boards/{id}/archive", write(a.handleArchiveBoard))
	mux.HandleFunc("DELETE /api/v1/boards/{id}", write(a.handleDeleteBoard))

	mux.HandleFunc("POST /api/v1/boards/{id}/lists", write(a.handleCreateList))
	mux.HandleFunc("GET /api/v1/lists/{id}", a.requireAuth(a.handleGetList))
	mux.HandleFunc("PATCH /api/v1/lists/{id}", write(a.handleUpdateList))
	mux.HandleFunc("POST /api/v1/lists/{id}/reorder", write(a.handleReorderList))
	mux.HandleFunc("POST /api/v1/lists/{id}/archive", write(a.handleArchiveList))
	mux.HandleFunc("DELETE /api/v1/lists/{id}", write(a.handleDeleteList))

	mux.HandleFunc("POST /api/v1/lists/{id}/cards", write(a.handleCreateCard))
	mux.HandleFunc("GET /api/v1/cards/{id}", a.requireAuth(a.handleGetCard))
	mux.HandleFunc("PATCH /api/v1/cards/{id}", write(a.handleUpdateCard))
	mux.HandleFunc("POST /api/v1/cards/{id}/move", write(a.handleMoveCard))
	mux.HandleFunc("POST /api/v1/cards/{id}/archive", write(a.handleArchiveCard))
	mux.HandleFunc("DELETE /api/v1/cards/{id}", write(a.handleDeleteCard))

	mux.HandleFunc("GET /api/v1/admin/outbox", a.requireAdmin(a.handleOutboxStats))
	mux.HandleFunc("POST /api/v1/admin/outbox/{id}/requeue", a.requireAdmin(a.handleOutboxRequeue))
}
