package redisstream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/trickstertwo/xrelay"
)

// Stream entry fields (avoid typos/allocs)
const (
	fieldID            = "id"
	fieldFrom          = "from"
	fieldAddress       = "address"
	fieldPayload       = "payload" // codec bytes, absent for nil payloads
	fieldSentAt        = "sent_at" // int64 ns
	fieldTimeout       = "timeout" // int64 ns
	fieldResponseTo    = "response_to"
	fieldBroadcast     = "broadcast"
	fieldToGlobal      = "to_global"
	fieldForwardErrors = "forward_errors"
	fieldError         = "error"
	fieldRouting       = "routing" // codec bytes, absent when unset
)

// encode flattens msg into stream entry values.
func encode(codec xrelay.Codec, from string, msg *xrelay.Message) (map[string]any, error) {
	values := map[string]any{
		fieldID:            msg.ID,
		fieldFrom:          from,
		fieldAddress:       msg.Address,
		fieldSentAt:        msg.SentAt.UnixNano(),
		fieldTimeout:       int64(msg.Timeout),
		fieldResponseTo:    msg.ResponseTo,
		fieldBroadcast:     flag(msg.Broadcast),
		fieldToGlobal:      flag(msg.ToGlobal),
		fieldForwardErrors: flag(msg.ForwardErrors),
	}
	if msg.Payload != nil {
		b, err := codec.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		values[fieldPayload] = b
	}
	if msg.RoutingInfo != nil {
		b, err := codec.Marshal(msg.RoutingInfo)
		if err != nil {
			return nil, fmt.Errorf("encode routing info: %w", err)
		}
		values[fieldRouting] = b
	}
	if msg.Err != nil {
		values[fieldError] = msg.Err.Error()
	}
	return values, nil
}

// decode rebuilds a message from stream entry values and reports the sender.
// Errors come back as *xrelay.RemoteError; payloads as the codec's generic form.
func decode(codec xrelay.Codec, values map[string]any) (*xrelay.Message, string, error) {
	str := func(k string) string {
		switch v := values[k].(type) {
		case string:
			return v
		case []byte:
			return string(v)
		}
		return ""
	}
	num := func(k string) int64 {
		n, _ := strconv.ParseInt(str(k), 10, 64)
		return n
	}

	id := str(fieldID)
	if id == "" {
		return nil, "", fmt.Errorf("decode: missing %s", fieldID)
	}

	msg := &xrelay.Message{
		ID:            id,
		Address:       str(fieldAddress),
		SentAt:        time.Unix(0, num(fieldSentAt)),
		Timeout:       time.Duration(num(fieldTimeout)),
		ResponseTo:    str(fieldResponseTo),
		Broadcast:     str(fieldBroadcast) == "1",
		ToGlobal:      str(fieldToGlobal) == "1",
		ForwardErrors: str(fieldForwardErrors) == "1",
	}
	if raw := str(fieldPayload); raw != "" {
		var v any
		if err := codec.Unmarshal([]byte(raw), &v); err != nil {
			return nil, "", fmt.Errorf("decode payload: %w", err)
		}
		msg.Payload = v
	}
	if raw := str(fieldRouting); raw != "" {
		var v any
		if err := codec.Unmarshal([]byte(raw), &v); err != nil {
			return nil, "", fmt.Errorf("decode routing info: %w", err)
		}
		msg.RoutingInfo = v
	}
	if e := str(fieldError); e != "" {
		msg.Err = &xrelay.RemoteError{Message: e}
	}
	return msg, str(fieldFrom), nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
