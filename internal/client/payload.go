package client

import (
	"time"

	"github.com/nuetzliches/courier/internal/request"
)

const (
	metricOpenedPush = "$opened_push"
)

func profileAttributes(id Identity, extra map[string]request.Value) request.Value {
	attrs := map[string]request.Value{
		"anonymous_id": request.String(id.AnonymousID),
	}
	if id.ExternalID != "" {
		attrs["external_id"] = request.String(id.ExternalID)
	}
	if id.Email != "" {
		attrs["email"] = request.String(id.Email)
	}
	if id.PhoneNumber != "" {
		attrs["phone_number"] = request.String(id.PhoneNumber)
	}
	if len(extra) > 0 {
		attrs["properties"] = request.Map(extra)
	}
	return request.Map(attrs)
}

func jsonAPI(kind string, attributes request.Value) request.Value {
	return request.Map(map[string]request.Value{
		"data": request.Map(map[string]request.Value{
			"type":       request.String(kind),
			"attributes": attributes,
		}),
	})
}

func profilePayload(id Identity, properties map[string]request.Value) request.Value {
	return jsonAPI("profile", profileAttributes(id, properties))
}

func eventPayload(id Identity, metric string, properties map[string]request.Value, at time.Time) request.Value {
	if properties == nil {
		properties = map[string]request.Value{}
	}
	attrs := map[string]request.Value{
		"metric": request.Map(map[string]request.Value{
			"name": request.String(metric),
		}),
		"properties": request.Map(properties),
		"profile":    profileAttributes(id, nil),
		"time":       request.String(at.UTC().Format(time.RFC3339)),
	}
	return jsonAPI("event", request.Map(attrs))
}

func pushTokenPayload(id Identity, token string) request.Value {
	return jsonAPI("push-token", request.Map(map[string]request.Value{
		"token":   request.String(token),
		"profile": profileAttributes(id, nil),
	}))
}
