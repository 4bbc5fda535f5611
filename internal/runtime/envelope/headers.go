package envelope

import "strconv"

// Header keys carried beside the payload on every record. Connectors persist
// them verbatim so records stay inspectable without decoding the body.
const (
	HeaderEnvelopeID    = "envelope_id"
	HeaderTenantID      = "tenant_id"
	HeaderCodec         = "codec"
	HeaderSchemaVersion = "schema_version"
	HeaderRetryCount    = "retry_count"
	HeaderTraceID       = "trace_id"

	// Dead-letter records additionally carry these.
	HeaderOriginalTopic = "original_topic"
	HeaderError         = "error"
	HeaderFailedAt      = "failed_at"
)

// Headers represents the string metadata carried alongside an encoded
// envelope.
type Headers map[string]string

func (h Headers) cloneWithExtra(extra int) Headers {
	size := len(h) + extra
	if size <= 0 {
		return Headers{}
	}

	cloned := make(Headers, size)
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the headers map.
func (h Headers) Clone() Headers {
	return h.cloneWithExtra(0)
}

// With returns a cloned headers map containing the provided key/value pair.
func (h Headers) With(key, value string) Headers {
	cloned := h.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned headers map containing the supplied entries.
func (h Headers) WithAll(entries Headers) Headers {
	cloned := h.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get returns the value for key, or "" when absent.
func (h Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// GetInt returns the integer value for key, or 0 when absent or malformed.
func (h Headers) GetInt(key string) int {
	v := h.Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// WireHeaders builds the header block for an envelope encoded by the named
// codec.
func (e Envelope) WireHeaders(codec string) Headers {
	h := Headers{
		HeaderEnvelopeID:    e.ID,
		HeaderTenantID:      e.TenantID,
		HeaderCodec:         codec,
		HeaderSchemaVersion: strconv.Itoa(int(e.SchemaVersion)),
		HeaderRetryCount:    strconv.Itoa(e.RetryCount),
	}
	if e.TraceID != "" {
		h[HeaderTraceID] = e.TraceID
	}
	return h
}
