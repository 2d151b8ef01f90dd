package push

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Frame event names, following the Pusher channels protocol.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventSubscribe             = "pusher:subscribe"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventError                 = "pusher:error"
)

// frame is a decoded protocol message. Data is always the string payload:
// string-typed data is unquoted, object data is kept as raw JSON.
type frame struct {
	Event   string
	Channel string
	Data    string
}

func parseFrame(raw []byte) (frame, bool) {
	if !gjson.ValidBytes(raw) {
		return frame{}, false
	}
	res := gjson.GetManyBytes(raw, "event", "channel", "data")
	if res[0].String() == "" {
		return frame{}, false
	}
	f := frame{Event: res[0].String(), Channel: res[1].String()}
	switch res[2].Type {
	case gjson.String:
		f.Data = res[2].String()
	case gjson.Null:
	default:
		f.Data = res[2].Raw
	}
	return f, true
}

// encodeFrame builds {"event":..,"channel":..,"data":".."}; channel is
// omitted when empty and data is always carried as a string.
func encodeFrame(event, channel, data string) []byte {
	out, _ := sjson.SetBytes([]byte(`{}`), "event", event)
	if channel != "" {
		out, _ = sjson.SetBytes(out, "channel", channel)
	}
	out, _ = sjson.SetBytes(out, "data", data)
	return out
}

func connectionEstablishedFrame(socketID string, activityTimeout int) []byte {
	data, _ := sjson.Set(`{}`, "socket_id", socketID)
	data, _ = sjson.Set(data, "activity_timeout", activityTimeout)
	return encodeFrame(EventConnectionEstablished, "", data)
}

func subscribeFrame(channel string) []byte {
	out, _ := sjson.SetBytes([]byte(`{}`), "event", EventSubscribe)
	out, _ = sjson.SetBytes(out, "data.channel", channel)
	return out
}

// subscribeChannel extracts the channel from a pusher:subscribe data payload.
func subscribeChannel(f frame) string {
	return gjson.Get(f.Data, "channel").String()
}

func subscriptionSucceededFrame(channel string) []byte {
	return encodeFrame(EventSubscriptionSucceeded, channel, "{}")
}

func errorFrame(message string, code int) []byte {
	data, _ := sjson.Set(`{}`, "message", message)
	data, _ = sjson.Set(data, "code", code)
	return encodeFrame(EventError, "", data)
}

func pingFrame() []byte { return encodeFrame(EventPing, "", "{}") }

func pongFrame() []byte { return encodeFrame(EventPong, "", "{}") }
