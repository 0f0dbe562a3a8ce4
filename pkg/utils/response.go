package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorBody 错误响应体
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, code string) {
	RespondJSON(w, status, ErrorBody{Error: code})
}

// RespondErrorMessage 发送带说明的错误响应
func RespondErrorMessage(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorBody{Error: code, Message: message})
}
