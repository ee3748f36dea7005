package main

import (
	"net/http"

	"trellocore/internal/domain"
	"trellocore/internal/uow"
)

func (a *api) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
		Color string `json:"color"`
	}
	if err := readJSON(w, r, &req); err != nil {
		a.log.Debug("decode create board", "error", err)
		writeError(w, 400, "bad_request", "invalid payload")
		return
	}
	a.execute(w, r, 201, uow.CreateBoard{Actor: actor(r), Title: req.Title, Color: req.Color})
}

// handleGetBoard serves from the cache; ?fresh=1 validates the cached version
// against storage first.
func (a *api) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	a.get(w, r, domain.BoardRef(r.PathValue("id")))
}

func (a *api) get(w http.ResponseWriter, r *http.Request, ref domain.Ref) {
	get := a.reader.Get
	if r.URL.Query().Get("fresh") == "1" {
		get = a.reader.GetFresh
	}
	agg, err := get(r.Context(), principal(r), ref)
	if err != nil {
		a.fail(w, "get "+string(ref.Kind), err)
		return
	}
	writeJSON(w, 200, agg)
}

func (a *api) handleGetBoardFull(w http.ResponseWriter, r *http.Request) {
	tree, err := a.reader.BoardTree(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		a.fail(w, "get board tree", err)
		return
	}
	writeJSON(w, 200, tree)
}

func (a *api) handleUpdateBoard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, 400, "bad_request", "invalid payload")
		return
	}
	a.execute(w, r, 200, uow.RenameBoard{Actor: actor(r), BoardID: r.PathValue("id"), Title: req.Title})
}

func (a *api) handleReorderBoard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ListIDs []string `json:"list_ids"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, 400, "bad_request", "invalid payload")
		return
	}
	a.execute(w, r, 200, uow.ReorderBoard{Actor: actor(r), BoardID: r.PathValue("id"), ListIDs: req.ListIDs})
}

func (a *api) handleArchiveBoard(w http.ResponseWriter, r *http.Request) {
	a.execute(w, r, 200, uow.ArchiveBoard{Actor: actor(r), BoardID: r.PathValue("id")})
}

func (a *api) handleDeleteBoard(w http.ResponseWriter, r *http.Request) {
	res, err := a.exec.Execute(r.Context(), uow.DeleteBoard{Actor: actor(r), BoardID: r.PathValue("id")})
	if err != nil {
		a.fail(w, "delete board", err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "version": res.Version, "deleted": len(res.Changed)})
}
