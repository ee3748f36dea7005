package main

import (
	"net/http"
	"time"

	"trellocore/internal/domain"
	"trellocore/internal/uow"
)

func (a *api) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Position    *int   `json:"position"`
	}
	if err := readJSON(w, r, &req); err != nil {
		a.log.Debug("decode create card", "error", err)
		writeError(w, 400, "bad_request", "invalid payload")
		return
	}
	a.execute(w, r, 201, uow.CreateCard{
		Actor:       actor(r),
		ListID:      r.PathValue("id"),
		Title:       req.Title,
		Description: req.Description,
		Position:    req.Position,
	})
}

func (a *api) handleGetCard(w http.ResponseWriter, r *http.Request) {
	a.get(w, r, domain.CardRef(r.PathValue("id")))
}

func (a *api) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       *string    `json:"title"`
		Description *string    `json:"description"`
		DueAt       *time.Time `json:"due_at"`
		ClearDue    bool       `json:"clear_due"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, 400, "bad_request", "invalid payload")
		return
	}
	a.execute(w, r, 200, uow.UpdateCard{
		Actor:  actor(r),
		CardID: r.PathValue("id"),
		Patch: domain.CardPatch{
			Title:       req.Title,
			Description: req.Description,
			DueAt:       req.DueAt,
			ClearDue:    req.ClearDue,
		},
	})
}

func (a *api) handleMoveCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetListID string `json:"target_list_id"`
		NewIndex     *int   `json:"new_index"`
	}
	if err := readJSON(w, r, &req); err != nil || req.TargetListID == "" {
		writeError(w, 400, "bad_request", "invalid payload")
		return
	}
	a.execute(w, r, 200, uow.MoveCard{Actor: actor(r), CardID: r.PathValue("id"), ToListID: req.TargetListID, Position: req.NewIndex})
}

func (a *api) handleArchiveCard(w http.ResponseWriter, r *http.Request) {
	a.execute(w, r, 200, uow.ArchiveCard{Actor: actor(r), CardID: r.PathValue("id")})
}

func (a *api) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	res, err := a.exec.Execute(r.Context(), uow.DeleteCard{Actor: actor(r), CardID: r.PathValue("id")})
	if err != nil {
		a.fail(w, "delete card", err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "version": res.Version})
}
