package main

import "net/http"

func (a *api) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.outbox.Stats(r.Context())
	if err != nil {
		a.fail(w, "outbox stats", err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"pending":        st.Pending,
		"dispatched":     st.Dispatched,
		"failed":         st.Failed,
		"oldest_pending": st.OldestPending,
	})
}

// handleOutboxRequeue puts a failed event back in line.
func (a *api) handleOutboxRequeue(w http.ResponseWriter, r *http.Request) {
	if err := a.outbox.Requeue(r.Context(), r.PathValue("id")); err != nil {
		a.fail(w, "outbox requeue", err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}
