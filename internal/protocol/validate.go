package protocol

// ValidationResult is the outcome of a structural validator. Validators are
// total functions: they never panic, only report ok=false with reasons.
type ValidationResult struct {
	OK     bool
	Errors []string
}

func invalid(errs ...string) ValidationResult {
	return ValidationResult{OK: false, Errors: errs}
}

func valid() ValidationResult {
	return ValidationResult{OK: true}
}

// validateEnvelopeShape checks the fields every envelope must carry,
// regardless of direction or type.
func validateEnvelopeShape(e Envelope) []string {
	var errs []string
	if e.Version != ProtocolVersion {
		errs = append(errs, "version must equal "+ProtocolVersion)
	}
	if e.DocID == "" {
		errs = append(errs, "docId is required")
	}
	if e.ClientID == "" {
		errs = append(errs, "clientId is required")
	}
	if e.Timestamp == "" {
		errs = append(errs, "timestamp is required")
	}
	if !knownTypes[e.Type] {
		errs = append(errs, "unknown message type: "+string(e.Type))
	}
	return errs
}

// serverInboundTypes is the set of message types the server may legitimately
// receive from a client.
var serverInboundTypes = map[MessageType]bool{
	TypeHandshake:      true,
	TypeDocUpdate:      true,
	TypePresence:       true,
	TypeCatchUpRequest: true,
	TypePing:           true,
}

// clientInboundTypes is the set of message types the client may legitimately
// receive from the server.
var clientInboundTypes = map[MessageType]bool{
	TypeHandshakeAck:    true,
	TypeDocUpdate:       true,
	TypeDocAck:          true,
	TypePresenceAck:     true,
	TypeCatchUpResponse: true,
	TypeError:           true,
	TypePong:            true,
}

// ValidateServerInbound checks a message the server received from a client.
func ValidateServerInbound(e Envelope) ValidationResult {
	errs := validateEnvelopeShape(e)
	if knownTypes[e.Type] && !serverInboundTypes[e.Type] {
		errs = append(errs, "type not valid for server-inbound direction: "+string(e.Type))
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return validatePayload(e)
}

// ValidateClientInbound checks a message the client received from the
// server.
func ValidateClientInbound(e Envelope) ValidationResult {
	errs := validateEnvelopeShape(e)
	if knownTypes[e.Type] && !clientInboundTypes[e.Type] {
		errs = append(errs, "type not valid for client-inbound direction: "+string(e.Type))
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return validatePayload(e)
}

// validatePayload decodes and structurally checks the payload for the
// envelope's declared type. It never panics on malformed JSON.
func validatePayload(e Envelope) ValidationResult {
	switch e.Type {
	case TypeHandshake:
		var p HandshakePayload
		if err := decodeStrict(e.Payload, &p); err != nil {
			return invalid("handshake payload: " + err.Error())
		}
		if p.ClientManifestHash == "" {
			return invalid("handshake payload: client_manifest_hash is required")
		}
		return valid()
	case TypeHandshakeAck:
		var p HandshakeAckPayload
		if err := decodeStrict(e.Payload, &p); err != nil {
			return invalid("handshake_ack payload: " + err.Error())
		}
		if p.SessionID == "" {
			return invalid("handshake_ack payload: sessionId is required")
		}
		return valid()
	case TypeDocUpdate:
		var p DocUpdatePayload
		if err := decodeStrict(e.Payload, &p); err != nil {
			return invalid("doc_update payload: " + err.Error())
		}
		if p.FrontierTag == "" {
			return invalid("doc_update payload: frontierTag is required")
		}
		if p.SizeBytes < 0 {
			return invalid("doc_update payload: sizeBytes must not be negative")
		}
		return valid()
	case TypeDocAck:
		var p DocAckPayload
		if err := decodeStrict(e.Payload, &p); err != nil {
			return invalid("doc_ack payload: " + err.Error())
		}
		return valid()
	case TypePresence:
		var p PresencePayload
		if err := decodeStrict(e.Payload, &p); err != nil {
			return invalid("presence payload: " + err.Error())
		}
		if p.Status == "" {
			return invalid("presence payload: status is required")
		}
		return valid()
	case TypePresenceAck:
		var p PresenceAckPayload
		if err := decodeStrict(e.Payload, &p); err != nil {
			return invalid("presence_ack payload: " + err.Error())
		}
		return valid()
	case TypeCatchUpRequest:
		var p CatchUpRequestPayload
		if err := decodeStrict(e.Payload, &p); err != nil {
			return invalid("catch_up_request payload: " + err.Error())
		}
		return valid()
	case TypeCatchUpResponse:
		var p CatchUpResponsePayload
		if err := decodeStrict(e.Payload, &p); err != nil {
			return invalid("catch_up_response payload: " + err.Error())
		}
		return valid()
	case TypeError:
		var p ErrorPayload
		if err := decodeStrict(e.Payload, &p); err != nil {
			return invalid("error payload: " + err.Error())
		}
		if p.Code == "" {
			return invalid("error payload: code is required")
		}
		return valid()
	case TypePing, TypePong:
		return valid()
	default:
		return invalid("unknown message type: " + string(e.Type))
	}
}
