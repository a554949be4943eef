package esimaccess

import (
	"bytes"
	"encoding/json"
	"strings"
)

type envelope struct {
	success *bool
	code    string
	message string
	obj     json.RawMessage
}

// failed reports success=false or an errorCode other than zero/empty.
func (e envelope) failed() bool {
	if e.success != nil && !*e.success {
		return true
	}
	return strings.Trim(e.code, "0") != ""
}

// parseEnvelope decodes {success, errorCode, errorMsg, obj}. It returns false when
// raw is not a JSON object.
func parseEnvelope(raw []byte) (envelope, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return envelope{}, false
	}

	var env envelope
	if v, ok := fields["success"]; ok {
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			env.success = &b
		} else {
			var s string
			if json.Unmarshal(v, &s) == nil {
				b = strings.EqualFold(strings.TrimSpace(s), "true")
				env.success = &b
			}
		}
	}
	env.code = scalarString(fields["errorCode"])
	env.message = scalarString(fields["errorMsg"])
	if obj, ok := fields["obj"]; ok {
		env.obj = obj
	}
	return env, true
}

// scalarString renders a JSON string, number or null as a trimmed string.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strings.TrimSpace(string(raw))
}
