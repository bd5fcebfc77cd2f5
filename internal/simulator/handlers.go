package simulator

import (
	"encoding/json"
	"net/http"
	"time"
)

// apiError is the error envelope of the api endpoints.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Cloud error codes.
const (
	codeInvalidToken = 2
	codeBadRequest   = 21
)

func newAPIError(code int, msg string) apiError {
	var e apiError
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

// homesDataQuery is the request body the app sends.
type homesDataQuery struct {
	AppVersion  string   `json:"app_version"`
	AppType     string   `json:"app_type"`
	DeviceTypes []string `json:"device_types"`
}

func (s *Server) handleHomesData(w http.ResponseWriter, r *http.Request) {
	if _, err := s.parseAccessToken(bearerToken(r)); err != nil {
		s.logger.Warn("homesdata with invalid token", "error", err)
		writeJSON(w, http.StatusForbidden, newAPIError(codeInvalidToken, "Invalid access_token"))
		return
	}

	var q homesDataQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeJSON(w, http.StatusBadRequest, newAPIError(codeBadRequest, "Invalid JSON body"))
		return
	}
	s.logger.Debug("homesdata requested", "app_type", q.AppType, "app_version", q.AppVersion)

	start := s.now()
	s.mu.Lock()
	body, err := json.Marshal(map[string]any{
		"homes": s.homes,
		"user":  s.user,
	})
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("encoding homes", "error", err)
		writeJSON(w, http.StatusInternalServerError, newAPIError(codeBadRequest, "Internal error"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"body":        json.RawMessage(body),
		"status":      "ok",
		"time_exec":   s.now().Sub(start).Seconds(),
		"time_server": s.now().Unix(),
	})
}

// statusFrame is the acknowledgement written on the push channel.
func (s *Server) statusFrame(status string) map[string]any {
	return map[string]any{
		"status":      status,
		"time_exec":   0.001,
		"time_server": s.now().Unix(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // best-effort write; the client may be gone
	json.NewEncoder(w).Encode(v)
}

func unixMicro(t time.Time) (sec, usec int64) {
	us := t.UnixMicro()
	return us / 1e6, us % 1e6
}
