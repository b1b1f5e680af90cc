// Package apperr classifies transport and backend failures into a small
// taxonomy that drives retry decisions and the messages shown to users.
package apperr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Category is the taxonomy entry for a classified failure.
type Category string

const (
	CategoryValidation Category = "VALIDATION"
	CategoryAuth       Category = "AUTH"
	CategoryNotFound   Category = "NOT_FOUND"
	CategoryRateLimit  Category = "RATE_LIMIT"
	CategoryServer     Category = "SERVER"
	CategoryNetwork    Category = "NETWORK"
	CategoryProcessing Category = "PROCESSING"
	CategoryUnknown    Category = "UNKNOWN"
)

// LoginPath is where callers are sent when a credential is rejected.
const LoginPath = "/login"

// ErrTransport marks failures where no HTTP response was received.
var ErrTransport = errors.New("transport failure")

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Info is the classification of a single error. It is derived only from the
// error itself and is never persisted.
type Info struct {
	Category       Category
	Message        string
	UserMessage    string
	Retryable      bool
	ShouldRedirect bool
	RedirectPath   string
}

// Classify maps err onto the taxonomy. It has no side effects.
func Classify(err error) Info {
	if err == nil {
		return Info{Category: CategoryUnknown}
	}

	msg := err.Error()
	info := Info{
		Category:    CategoryUnknown,
		Message:     msg,
		UserMessage: UserMessage(msg),
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() != 0 {
		classifyStatus(&info, sc.StatusCode())
		return info
	}

	switch {
	case errors.Is(err, context.Canceled):
		// a cancelled caller is never retried
	case isTransport(err):
		info.Category = CategoryNetwork
		info.Retryable = true
	}
	return info
}

func classifyStatus(info *Info, status int) {
	switch status {
	case http.StatusAccepted:
		info.Category = CategoryProcessing
	case http.StatusBadRequest:
		info.Category = CategoryValidation
	case http.StatusUnauthorized:
		info.Category = CategoryAuth
		info.ShouldRedirect = true
		info.RedirectPath = LoginPath
	case http.StatusNotFound:
		info.Category = CategoryNotFound
	case http.StatusRequestTimeout:
		info.Category = CategoryNetwork
		info.Retryable = true
	case http.StatusTooManyRequests:
		info.Category = CategoryRateLimit
		info.Retryable = true
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		info.Category = CategoryServer
		info.Retryable = true
	}
}

func isTransport(err error) bool {
	if errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRetryable reports the classifier's retry verdict for err.
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}

// IsProcessing reports whether err is the backend's "still working" signal.
func IsProcessing(err error) bool {
	return err != nil && Classify(err).Category == CategoryProcessing
}

type phrase struct {
	needles []string
	text    string
}

var phrases = []phrase{
	{needles: []string{"network"}, text: "Network error. Please check your connection."},
	{needles: []string{"timeout", "timed out"}, text: "The request timed out. Please try again."},
	{needles: []string{"invalid phone"}, text: "Invalid phone number. Please check and try again."},
	{needles: []string{"insufficient balance"}, text: "Insufficient balance to complete this transaction."},
	{needles: []string{"not found"}, text: "The requested item was not found."},
	{needles: []string{"already exists"}, text: "This item already exists."},
	{needles: []string{"unauthorized"}, text: "Please sign in again."},
}

const genericMessage = "Something went wrong. Please try again."

// UserMessage turns a raw error message into something presentable. Known
// substrings map to fixed phrases; technical-looking messages collapse to a
// generic phrase; anything else passes through.
func UserMessage(raw string) string {
	lower := strings.ToLower(raw)
	for _, p := range phrases {
		for _, n := range p.needles {
			if strings.Contains(lower, n) {
				return p.text
			}
		}
	}
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") || len(raw) > 100 {
		return genericMessage
	}
	return raw
}
