package telegram

import (
	"fmt"
	"strings"
)

// Callback data prefixes. Telegram caps callback data at 64 bytes, so the
// prefixes stay compact.
const (
	callbackSettings = "s" // settings panel navigation
	callbackAuth     = "a" // auth panel
	callbackModel    = "m" // model selection: m:<provider>/<model_id>
	callbackThinking = "t" // thinking level: t:<level>
)

// CallbackData is a parsed inline-button payload.
type CallbackData struct {
	Kind  string // one of the callback* prefixes
	Value string
}

// SerializeCallbackData renders callback data as "<kind>:<value>".
func SerializeCallbackData(data CallbackData) string {
	return data.Kind + ":" + data.Value
}

// ParseCallbackData decodes "<kind>:<value>". Unknown kinds are an error;
// the dispatcher answers those by re-rendering the settings panel.
func ParseCallbackData(raw string) (CallbackData, error) {
	kind, value, ok := strings.Cut(raw, ":")
	if !ok {
		return CallbackData{}, fmt.Errorf("malformed callback data %q", raw)
	}
	switch kind {
	case callbackSettings, callbackAuth, callbackModel, callbackThinking:
		return CallbackData{Kind: kind, Value: value}, nil
	default:
		return CallbackData{}, fmt.Errorf("unknown callback prefix %q", kind)
	}
}
