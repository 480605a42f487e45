package events

// Event is the envelope handed to every subscriber. Args carries the topic's
// payload as a tagged map; the typed accessors cover the common shapes so
// handlers do not repeat type switches.
type Event struct {
	Name string
	Args map[string]any
}

func (e *Event) Get(key string) (any, bool) {
	if e.Args == nil {
		return nil, false
	}
	v, ok := e.Args[key]
	return v, ok
}

func (e *Event) String(key string) string {
	if v, ok := e.Args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (e *Event) Int(key string) int {
	switch v := e.Args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (e *Event) Bool(key string) bool {
	if v, ok := e.Args[key].(bool); ok {
		return v
	}
	return false
}

// ChatOverride is the shape a chat subscriber may return to replace the
// delivered text and targeting. Suppressed reports the bare false/0 sentinel.
type ChatOverride struct {
	Message string
	ToAll   bool
	ToSelf  bool
	To      any // recipient session, opaque to the bus
}

// ParseChatReturn interprets a value returned by an onChatReceive subscriber.
//
//	false or 0            -> suppress the default broadcast
//	map with "message"    -> override text and targeting
//	nil                   -> no opinion
//	anything else         -> not recognized
func ParseChatReturn(v any) (override *ChatOverride, suppress, recognized bool) {
	switch t := v.(type) {
	case nil:
		return nil, false, true
	case bool:
		if !t {
			return nil, true, true
		}
	case int:
		if t == 0 {
			return nil, true, true
		}
	case map[string]any:
		msg, ok := t["message"].(string)
		if !ok {
			return nil, false, false
		}
		o := &ChatOverride{Message: msg, ToAll: true, ToSelf: true}
		if b, ok := t["to_all"].(bool); ok {
			o.ToAll = b
		}
		if b, ok := t["to_self"].(bool); ok {
			o.ToSelf = b
		}
		if to, ok := t["to"]; ok {
			o.To = to
		}
		return o, false, true
	}
	return nil, false, false
}
