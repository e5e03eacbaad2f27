package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/onnwee/convo-recorder/record"
	"github.com/onnwee/convo-recorder/telemetry"
)

// HandleStatus lists every live session with its state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := h.rec.Status()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ChatID < sessions[j].ChatID })
	counts := map[string]int{}
	for _, s := range sessions {
		counts[s.State]++
	}
	resp := map[string]any{
		"sessions": sessions,
		"counts":   counts,
	}
	if h.downloads != nil {
		active, max := h.downloads()
		resp["downloads"] = map[string]int{"active": active, "max": max}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRecordsList returns the finished recordings of a chat.
func (h *Handlers) HandleRecordsList(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathChatID(w, r)
	if !ok {
		return
	}
	keys, err := h.rec.Records(chatID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "records": keys})
}

// HandleRecordExport sends a recording to ?to=<chat> (default: its own chat).
func (h *Handlers) HandleRecordExport(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathChatID(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")
	to := chatID
	if v := r.URL.Query().Get("to"); v != "" {
		n, err := parseChatID(v)
		if err != nil {
			http.Error(w, "invalid to", http.StatusBadRequest)
			return
		}
		to = n
	}
	if err := h.rec.RequestExport(r.Context(), chatID, key, to); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "chat_id": chatID, "key": key, "to": to})
}

// HandleRecordDelete removes a finished recording.
func (h *Handlers) HandleRecordDelete(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathChatID(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")
	if err := h.rec.RequestDelete(r.Context(), chatID, key); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "chat_id": chatID, "key": key})
}

// HandleSessionStop asks the chat to confirm stopping its recording.
func (h *Handlers) HandleSessionStop(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathChatID(w, r)
	if !ok {
		return
	}
	h.rec.RequestStop(r.Context(), chatID)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "stop requested", "chat_id": chatID})
}

// writeError maps recorder sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, record.ErrNoRecords):
		status = http.StatusNotFound
	case errors.Is(err, record.ErrRecordingActive):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		telemetry.LoggerWithCorr(r.Context()).Error("admin request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
