package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"pulse-bot/internal/models"
)

type errorBody struct {
	Error string `json:"error"`
}

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error maps domain errors to status codes.
func Error(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		JSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, models.ErrConflict):
		JSON(w, http.StatusConflict, errorBody{Error: "conflict"})
	default:
		JSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}
