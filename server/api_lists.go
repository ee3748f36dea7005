package main

import (
	"net/http"

	"trellocore/internal/domain"
	"trellocore/internal/uow"
)

func (a *api) handleCreateList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title    string `json:"title"`
		Position *int   `json:"position"`
	}
	if err := readJSON(w, r, &req); err != nil {
		a.log.Debug("decode create list", "error", err)
		writeError(w, 400, "bad_request", "invalid payload")
		return
	}
	a.execute(w, r, 201, uow.CreateList{Actor: actor(r), BoardID: r.PathValue("id"), Title: req.Title, Position: req.Position})
}

func (a *api) handleGetList(w http.ResponseWriter, r *http.Request) {
	a.get(w, r, domain.ListRef(r.PathValue("id")))
}

func (a *api) handleUpdateList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, 400, "bad_request", "invalid payload")
		return
	}
	a.execute(w, r, 200, uow.RenameList{Actor: actor(r), ListID: r.PathValue("id"), Title: req.Title})
}

func (a *api) handleReorderList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CardIDs []string `json:"card_ids"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, 400, "bad_request", "invalid payload")
		return
	}
	a.execute(w, r, 200, uow.ReorderList{Actor: actor(r), ListID: r.PathValue("id"), CardIDs: req.CardIDs})
}

func (a *api) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	a.execute(w, r, 200, uow.ArchiveList{Actor: actor(r), ListID: r.PathValue("id")})
}

func (a *api) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	res, err := a.exec.Execute(r.Context(), uow.DeleteList{Actor: actor(r), ListID: r.PathValue("id")})
	if err != nil {
		a.fail(w, "delete list", err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "version": res.Version, "deleted": len(res.Events)})
}
