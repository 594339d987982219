package api

import (
	"net/http"

	"github.com/sugawarayuuta/sonnet"
)

type envelope struct {
	Data  any     `json:"data,omitempty"`
	Error *string `json:"error,omitempty"`
}

func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, envelope{Data: data})
}

func Error(w http.ResponseWriter, status int, msg string) {
	write(w, status, envelope{Error: &msg})
}

func write(w http.ResponseWriter, status int, body envelope) {
	b, err := sonnet.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}
