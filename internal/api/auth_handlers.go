package api

import (
	"encoding/json"
	"net/http"

	"tankmon/internal/authrelay"
	"tankmon/internal/browser"
)

type clickRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type typeRequest struct {
	Text string `json:"text"`
}

type keyRequest struct {
	Key string `json:"key"`
}

type fillLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) authStart(w http.ResponseWriter, r *http.Request) {
	step, err := s.auth.Start(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeStep(w, step)
}

func (s *Server) authClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "config_invalid", "invalid JSON")
		return
	}
	if req.X < 0 || req.Y < 0 {
		writeError(w, http.StatusBadRequest, "config_invalid", "coordinates must be non-negative")
		return
	}
	step, err := s.auth.Click(r.Context(), req.X, req.Y)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeStep(w, step)
}

func (s *Server) authType(w http.ResponseWriter, r *http.Request) {
	var req typeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "config_invalid", "invalid JSON")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "config_invalid", "text is required")
		return
	}
	step, err := s.auth.Type(r.Context(), req.Text)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeStep(w, step)
}

func (s *Server) authKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "config_invalid", "invalid JSON")
		return
	}
	if req.Key == "" {
		req.Key = "Enter"
	}
	if !browser.IsNamedKey(req.Key) {
		writeError(w, http.StatusBadRequest, "config_invalid", "unsupported key "+req.Key)
		return
	}
	step, err := s.auth.PressKey(r.Context(), req.Key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeStep(w, step)
}

func (s *Server) authFillLogin(w http.ResponseWriter, r *http.Request) {
	var req fillLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "config_invalid", "invalid JSON")
		return
	}
	step, err := s.auth.FillLogin(r.Context(), req.Email, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeStep(w, step)
}

func (s *Server) authFinish(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Finish(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	state, _ := s.auth.State()
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (s *Server) authAbort(w http.ResponseWriter, _ *http.Request) {
	s.auth.Abort()
	state, _ := s.auth.State()
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (s *Server) authScreenshot(w http.ResponseWriter, r *http.Request) {
	shot, err := s.pages.Screenshot(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(shot)
}

func (s *Server) authPageInfo(w http.ResponseWriter, r *http.Request) {
	page, err := s.pages.Classify(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func writeStep(w http.ResponseWriter, step authrelay.StepResult) {
	writeJSON(w, http.StatusOK, step)
}
