package apperr

import (
	"context"
	"log/slog"
	"strings"
)

// CredentialClearer drops any stored credential.
type CredentialClearer interface {
	Clear()
}

// Level is the severity of a user notification.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Notification is a user-visible message.
type Notification struct {
	Level    Level
	Category Category
	Message  string
}

// Notifier delivers notifications to whoever is watching.
type Notifier interface {
	Notify(Notification)
}

// Handler applies the caller-facing side effects of a classified error.
type Handler struct {
	Credentials CredentialClearer
	Notifier    Notifier
	Redirect    func(path string)
	Logger      *slog.Logger
}

const tryAgain = "Please try again."

// Handle classifies err and reacts to it. AUTH clears credentials and
// redirects, PROCESSING is swallowed, everything else becomes a notification.
func (h *Handler) Handle(err error) Info {
	info := Classify(err)
	if err == nil {
		return info
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch info.Category {
	case CategoryProcessing:
		return info
	case CategoryAuth:
		logger.Warn("credential rejected", "error", err)
		if h.Credentials != nil {
			h.Credentials.Clear()
		}
		if info.ShouldRedirect && h.Redirect != nil {
			h.Redirect(info.RedirectPath)
		}
		return info
	}

	msg := info.UserMessage
	if info.Retryable && !strings.Contains(msg, tryAgain) {
		msg = strings.TrimRight(msg, " .!") + ". " + tryAgain
	}
	logger.Error("request failed", "category", info.Category, "retryable", info.Retryable, "error", err)
	if h.Notifier != nil {
		h.Notifier.Notify(Notification{Level: LevelError, Category: info.Category, Message: msg})
	}
	return info
}

// LogNotifier writes notifications to a slog logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(note Notification) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelError
	if note.Level == LevelWarning {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, note.Message, "category", note.Category)
}
