package ngsild

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

//ErrNotFound signals that the broker responded with 404 for the requested entity
var ErrNotFound = errors.New("entity not found in broker")

//ErrConflict signals that the broker responded with 409, i.e. the entity already exists
var ErrConflict = errors.New("entity already exists in broker")

//ProblemDetails is the NGSI-LD error envelope returned by context brokers
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

//BrokerError wraps a non-2xx broker response, preserving the ProblemDetails
//fields verbatim when the response body carried them
type BrokerError struct {
	StatusCode int
	Type       string
	Title      string
	Detail     string
}

func (e *BrokerError) Error() string {
	msg := fmt.Sprintf("broker returned status %d", e.StatusCode)
	if e.Title != "" {
		msg = msg + ": " + e.Title
	}
	if e.Detail != "" {
		msg = msg + " (" + e.Detail + ")"
	}
	return msg
}

//Is allows callers to match not found and conflict responses with errors.Is
func (e *BrokerError) Is(target error) bool {
	if target == ErrNotFound {
		return e.StatusCode == http.StatusNotFound
	}
	if target == ErrConflict {
		return e.StatusCode == http.StatusConflict
	}
	return false
}

//Message returns the most specific description available for this error,
//suitable for persisting as a sync failure reason
func (e *BrokerError) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Title != "" {
		return e.Title
	}
	return e.Error()
}

func newBrokerError(statusCode int, body []byte) *BrokerError {
	err := &BrokerError{StatusCode: statusCode}

	problem := &ProblemDetails{}
	if json.Unmarshal(body, problem) == nil {
		err.Type = problem.Type
		err.Title = problem.Title
		err.Detail = problem.Detail
	}

	if err.Title == "" && err.Detail == "" {
		err.Detail = strings.TrimSpace(string(body))
	}

	return err
}
