package webhook

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
)

// User-facing acknowledgment texts.
const (
	MessageAnalyzing = "Your data is being analyzed 🔍 We'll get back to you shortly ⏳"
	MessageFeedback  = "Thank you for your feedback 🙏"
	MessageRetry     = "There was an error analyzing your request, kindly retry"
)

// Machine-readable error codes returned to JSON clients.
const (
	ErrorCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrorCodeValidation     = "VALIDATION_ERROR"
	ErrorCodeRateLimited    = "RATE_LIMITED"
	ErrorCodeUnavailable    = "QUEUE_UNAVAILABLE"
	ErrorCodeInternal       = "INTERNAL_ERROR"
)

const (
	contentTypeXML      = "application/xml"
	contentTypeJSONUTF8 = "application/json; charset=utf-8"
)

type twimlResponse struct {
	XMLName  xml.Name       `xml:"Response"`
	Messages []twimlMessage `xml:"Message"`
}

type twimlMessage struct {
	Body string `xml:",chardata"`
}

// writeTwiML answers a Twilio webhook. An empty message yields a bare
// <Response/>, which tells Twilio not to reply to the user.
func writeTwiML(w http.ResponseWriter, status int, message string) {
	resp := twimlResponse{}
	if message != "" {
		resp.Messages = []twimlMessage{{Body: message}}
	}

	body, err := xml.Marshal(resp)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

		return
	}

	w.Header().Set(headerContentType, contentTypeXML)
	w.WriteHeader(status)

	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

type jsonAck struct {
	Success   bool   `json:"success"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, ack jsonAck) {
	w.Header().Set(headerContentType, contentTypeJSONUTF8)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ack)
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, jsonAck{Success: false, Error: message, ErrorCode: code})
}
