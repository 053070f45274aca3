package reconciler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/idompolo/call-agent-sub001/pkg/timestamp"
)

type fieldType int

const (
	fString fieldType = iota
	fInt
	fTime
	fFloat
	fBool
	fActions
	fMessages
)

// table maps every spelling a producer may use onto one canonical key.
// Keys are looked up as sent, then converted from snake_case to camelCase,
// then through the alias list.
type table struct {
	fields  map[string]fieldType
	aliases map[string]string
}

func (t table) canonical(key string) (string, bool) {
	for _, k := range []string{key, snakeToCamel(key)} {
		if _, ok := t.fields[k]; ok {
			return k, true
		}
		if c, ok := t.aliases[k]; ok {
			return c, true
		}
	}
	return "", false
}

func (t table) with(aliases map[string]string) table {
	out := table{fields: t.fields, aliases: make(map[string]string, len(t.aliases)+len(aliases))}
	for k, v := range t.aliases {
		out.aliases[k] = v
	}
	for k, v := range aliases {
		out.aliases[k] = v
	}
	return out
}

var orderIDAliases = []string{"id", "orderId", "order_id", "callId", "call_id"}

var orderTable = table{
	fields: map[string]fieldType{
		"id":            fInt,
		"addedAt":       fTime,
		"modifiedAt":    fTime,
		"acceptedAt":    fTime,
		"cancelledAt":   fTime,
		"reservedAt":    fTime,
		"status":        fString,
		"cancelStatus":  fString,
		"addAgent":      fString,
		"acceptAgent":   fString,
		"cancelAgent":   fString,
		"modifyAgent":   fString,
		"selectAgent":   fString,
		"telephone":     fString,
		"customerName":  fString,
		"address":       fString,
		"addressDetail": fString,
		"dong":          fString,
		"poiName":       fString,
		"memo":          fString,
		"lat":           fFloat,
		"lng":           fFloat,
		"carNo":         fString,
		"driverNo":      fString,
		"actions":       fActions,
		"messages":      fMessages,
		"eventId":       fString,
	},
	aliases: map[string]string{
		"orderId":       "id",
		"callId":        "id",
		"addAt":         "addedAt",
		"regAt":         "addedAt",
		"createdAt":     "addedAt",
		"modifyAt":      "modifiedAt",
		"updatedAt":     "modifiedAt",
		"acceptAt":      "acceptedAt",
		"cancelAt":      "cancelledAt",
		"canceledAt":    "cancelledAt",
		"reserveAt":     "reservedAt",
		"reservationAt": "reservedAt",
		"cancelReason":  "cancelStatus",
		"tel":           "telephone",
		"phone":         "telephone",
		"phoneNumber":   "telephone",
		"custName":      "customerName",
		"addr":          "address",
		"addrDetail":    "addressDetail",
		"poi":           "poiName",
		"note":          "memo",
		"latitude":      "lat",
		"lon":           "lng",
		"longitude":     "lng",
		"drvNo":         "driverNo",
		"driverId":      "driverNo",
		"vehicleNo":     "carNo",
		"action":        "actions",
		"message":       "messages",
		"msgEventId":    "eventId",
	},
}

// selectTable reads the assigned agent of a web/selectAgent event.
var selectTable = orderTable.with(map[string]string{
	"agentId": "selectAgent",
	"agent":   "selectAgent",
})

var presenceTable = table{
	fields: map[string]fieldType{
		"agentId":   fString,
		"connected": fBool,
		"at":        fTime,
		"eventId":   fString,
	},
	aliases: map[string]string{
		"id":          "agentId",
		"agent":       "agentId",
		"online":      "connected",
		"isConnected": "connected",
		"connectedAt": "at",
		"time":        "at",
	},
}

var chatTable = table{
	fields: map[string]fieldType{
		"id":      fInt,
		"msgId":   fString,
		"from":    fString,
		"text":    fString,
		"at":      fTime,
		"eventId": fString,
	},
	aliases: map[string]string{
		"orderId":   "id",
		"callId":    "id",
		"messageId": "msgId",
		"sender":    "from",
		"agent":     "from",
		"message":   "text",
		"content":   "text",
		"msg":       "text",
		"time":      "at",
		"sentAt":    "at",
	},
}

var actionItemTable = table{
	fields: map[string]fieldType{
		"actionId": fString,
		"name":     fString,
		"agent":    fString,
		"at":       fTime,
		"memo":     fString,
	},
	aliases: map[string]string{
		"id":         "actionId",
		"type":       "name",
		"actionName": "name",
		"agentId":    "agent",
		"time":       "at",
		"actionAt":   "at",
		"note":       "memo",
	},
}

var messageItemTable = table{
	fields: map[string]fieldType{
		"msgId": fString,
		"from":  fString,
		"text":  fString,
		"at":    fTime,
	},
	aliases: map[string]string{
		"id":        "msgId",
		"messageId": "msgId",
		"sender":    "from",
		"agent":     "from",
		"message":   "text",
		"content":   "text",
		"msg":       "text",
		"time":      "at",
		"sentAt":    "at",
	},
}

var locationItemTable = table{
	fields: map[string]fieldType{
		"id":         fString,
		"lat":        fFloat,
		"lng":        fFloat,
		"observedAt": fTime,
	},
	aliases: map[string]string{
		"vehicleId": "id",
		"drvNo":     "id",
		"driverNo":  "id",
		"carNo":     "id",
		"latitude":  "lat",
		"lon":       "lng",
		"longitude": "lng",
		"time":      "observedAt",
		"at":        "observedAt",
		"ts":        "observedAt",
		"gpsTime":   "observedAt",
		"gpsAt":     "observedAt",
	},
}

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// unwrap strips a {data: ...} envelope. An object that itself identifies
// an order is never unwrapped.
func unwrap(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	inner, ok := m["data"]
	if !ok || hasAny(m, orderIDAliases...) {
		return v
	}
	return inner
}

// normalize maps obj onto t's canonical keys and coerces every value to
// its canonical type. Keys the table does not know are returned as extra.
// When two spellings of one field are present the canonical spelling wins,
// otherwise the first alias in sorted key order.
func normalize(obj map[string]any, t table) (map[string]any, map[string]json.RawMessage, error) {
	out := make(map[string]any, len(obj))
	var extra map[string]json.RawMessage

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		_, ci := t.fields[keys[i]]
		_, cj := t.fields[keys[j]]
		if ci != cj {
			return ci
		}
		return keys[i] < keys[j]
	})

	for _, key := range keys {
		raw := obj[key]
		canon, ok := t.canonical(key)
		if !ok {
			b, err := json.Marshal(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("field %q: %w", key, err)
			}
			if extra == nil {
				extra = make(map[string]json.RawMessage)
			}
			extra[key] = b
			continue
		}
		if _, seen := out[canon]; seen || raw == nil {
			continue
		}

		v, err := coerce(raw, t.fields[canon])
		if err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", key, err)
		}
		out[canon] = v
	}
	return out, extra, nil
}

func coerce(raw any, ft fieldType) (any, error) {
	switch ft {
	case fString:
		return toString(raw)
	case fInt:
		return toInt(raw)
	case fTime:
		return toTime(raw)
	case fFloat:
		return toFloat(raw)
	case fBool:
		return toBool(raw)
	case fActions:
		return items(raw, actionItemTable)
	case fMessages:
		return items(raw, messageItemTable)
	}
	return nil, fmt.Errorf("unsupported field type %d", ft)
}

func toString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", fmt.Errorf("expected string, got %T", raw)
}

func toInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("expected integer, got %s", v)
		}
		return int64(f), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v)
		}
		return i, nil
	}
	return 0, fmt.Errorf("expected integer, got %T", raw)
}

func toTime(raw any) (int64, error) {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, nil
		}
	case json.Number:
	default:
		return 0, fmt.Errorf("expected timestamp, got %T", raw)
	}
	ms := timestamp.Parse(raw)
	if ms == 0 {
		if n, ok := raw.(json.Number); ok && (n.String() == "0") {
			return 0, nil
		}
		return 0, fmt.Errorf("unparseable timestamp %v", raw)
	}
	if err := timestamp.Validate(ms); err != nil {
		return 0, err
	}
	return ms, nil
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %T", raw)
}

func toBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case json.Number:
		return v.String() != "0", nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	}
	return false, fmt.Errorf("expected boolean, got %T", raw)
}

// items normalizes an object or an array of objects into a list of
// canonical maps. Unknown keys inside items are dropped.
func items(raw any, t table) ([]any, error) {
	var list []any
	switch v := raw.(type) {
	case []any:
		list = v
	case map[string]any:
		list = []any{v}
	default:
		return nil, fmt.Errorf("expected object or array, got %T", raw)
	}

	out := make([]any, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item %d: expected object, got %T", i, item)
		}
		canon, _, err := normalize(m, t)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, canon)
	}
	return out, nil
}

func snakeToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	parts := strings.Split(strings.ToLower(s), "_")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
