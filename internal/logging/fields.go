package logging

import (
	"log/slog"
)

// Domain identifiers

func Conversation(key string) slog.Attr {
	return slog.String("conversation", key)
}

func Sender(id string) slog.Attr {
	return slog.String("sender", id)
}

func Recipient(id string) slog.Attr {
	return slog.String("recipient", id)
}

func MessageID(id int64) slog.Attr {
	return slog.Int64("message_id", id)
}

func Sink(id string) slog.Attr {
	return slog.String("sink_id", id)
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Error handling

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
