package server

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseChatID(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

// pathChatID reads {chat} and answers 400 when it is not an integer.
func pathChatID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseChatID(r.PathValue("chat"))
	if err != nil {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// getEnvInt returns an integer environment variable value or default if not set or invalid.
func getEnvInt(key string, defaultVal int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return defaultVal
}
